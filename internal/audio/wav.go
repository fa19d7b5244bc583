package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// ErrNotWAV is returned for payloads without a RIFF/WAVE header
var ErrNotWAV = errors.New("not a RIFF/WAVE payload")

// PCM is decoded mono 16-bit audio
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Seconds returns the playback length
func (p *PCM) Seconds() float64 {
	return Duration(len(p.Samples), p.SampleRate)
}

// DecodeWAV parses a complete 16-bit PCM WAV file. Multi-channel audio is
// mixed down to mono.
func DecodeWAV(data []byte) (*PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}

	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("unsupported wav format tag %d", dec.WavAudioFormat)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if dec.SampleRate == 0 {
		return nil, fmt.Errorf("invalid wav sample rate %d", dec.SampleRate)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav data: %w", err)
	}
	if buf == nil {
		return nil, errors.New("wav payload has no data chunk")
	}

	// Drop a trailing partial frame rather than failing the chunk.
	n := len(buf.Data) - len(buf.Data)%channels
	samples := make([]int16, n)
	for i, v := range buf.Data[:n] {
		samples[i] = int16(v)
	}

	return &PCM{
		Samples:    DownmixToMono(samples, channels),
		SampleRate: int(dec.SampleRate),
	}, nil
}
