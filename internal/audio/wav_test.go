package audio

import (
	"context"
	"os"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-client/internal/playback"
)

// encodeWAV renders interleaved samples through the wav encoder
func encodeWAV(t *testing.T, samples []int, sampleRate, bitDepth, channels, format int) []byte {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "chunk-*.wav")
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, bitDepth, channels, format)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return data
}

func monoWAV(t *testing.T, samples []int16, sampleRate int) []byte {
	t.Helper()
	ints := make([]int, len(samples))
	for i, s := range samples {
		ints[i] = int(s)
	}
	return encodeWAV(t, ints, sampleRate, 16, 1, wavFormatPCM)
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	samples := []int16{0, 1200, -1200, 32767, -32768}
	pcm, err := DecodeWAV(monoWAV(t, samples, 22050))
	require.NoError(t, err)
	require.Equal(t, 22050, pcm.SampleRate)
	require.Equal(t, samples, pcm.Samples)
	require.InDelta(t, 5.0/22050, pcm.Seconds(), 1e-9)
}

func TestDecodeWAVStereo(t *testing.T) {
	data := encodeWAV(t, []int{100, 300, 50, 150}, 16000, 16, 2, wavFormatPCM)

	pcm, err := DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, 16000, pcm.SampleRate)
	require.Equal(t, []int16{200, 100}, pcm.Samples)
}

func TestDecodeWAVErrors(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{name: "empty", data: func(*testing.T) []byte { return nil }},
		{name: "not riff", data: func(*testing.T) []byte { return []byte("OggS............................................") }},
		{name: "missing data", data: func(t *testing.T) []byte { return monoWAV(t, []int16{1}, 8000)[:36] }},
		{name: "8 bit", data: func(t *testing.T) []byte { return encodeWAV(t, []int{1, 2}, 8000, 8, 1, wavFormatPCM) }},
		{name: "float format", data: func(t *testing.T) []byte { return encodeWAV(t, []int{1}, 8000, 32, 1, 3) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWAV(tt.data(t))
			require.Error(t, err)
		})
	}
}

func TestSilentPlayerPacesChunks(t *testing.T) {
	player := NewSilentPlayer()
	chunk := &playback.Chunk{SequenceID: "1", Payload: monoWAV(t, make([]int16, 160), 8000)} // 20ms

	track, err := player.Load(chunk)
	require.NoError(t, err)
	defer track.Release()

	start := time.Now()
	require.NoError(t, track.Play(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSilentPlayerCancel(t *testing.T) {
	player := NewSilentPlayer()
	chunk := &playback.Chunk{SequenceID: "1", Payload: monoWAV(t, make([]int16, 8000), 8000)} // 1s

	track, err := player.Load(chunk)
	require.NoError(t, err)
	defer track.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, track.Play(ctx), context.DeadlineExceeded)
}

func TestSilentPlayerRejectsGarbage(t *testing.T) {
	_, err := NewSilentPlayer().Load(&playback.Chunk{SequenceID: "x", Payload: []byte("garbage")})
	require.ErrorIs(t, err, ErrNotWAV)
}
