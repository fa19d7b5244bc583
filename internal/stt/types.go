package stt

import "context"

// TranscriptionResult is one recognition hypothesis for captured speech
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal is false for interim hypotheses that may still change
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// Source turns captured microphone audio into transcripts.
// The conversation layer only consumes Results; how audio is recognized
// stays behind this interface.
type Source interface {
	// Start opens a recognition session
	Start(ctx context.Context) error

	// SendAudio forwards 16kHz mono s16le PCM
	SendAudio(audioData []byte) error

	// Results delivers interim and final transcripts
	Results() <-chan *TranscriptionResult

	// Stop ends the current session; Start may be called again
	Stop() error

	// Close releases the source permanently
	Close() error
}
