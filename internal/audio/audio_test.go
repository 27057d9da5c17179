package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(sr int, hz float64, dur time.Duration, amp float32) []float32 {
	n := int(float64(sr) * dur.Seconds())
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
	}
	return out
}

func TestFloatToPCM16_ClampsAndScales(t *testing.T) {
	assert.Equal(t, int16(32767), FloatToPCM16(1))
	assert.Equal(t, int16(32767), FloatToPCM16(3))
	assert.Equal(t, int16(-32768), FloatToPCM16(-1))
	assert.Equal(t, int16(-32768), FloatToPCM16(-7))
	assert.Equal(t, int16(0), FloatToPCM16(0))
	assert.Equal(t, int16(-16384), FloatToPCM16(-0.5))
}

func TestEncodeWAV_Header(t *testing.T) {
	b := EncodeWAV([]float32{0, 0.5, -0.5}, 16000)
	require.Len(t, b, 44+6)
	le := binary.LittleEndian
	assert.Equal(t, "RIFF", string(b[0:4]))
	assert.Equal(t, uint32(36+6), le.Uint32(b[4:8]))
	assert.Equal(t, "WAVE", string(b[8:12]))
	assert.Equal(t, "fmt ", string(b[12:16]))
	assert.Equal(t, uint32(16), le.Uint32(b[16:20]))
	assert.Equal(t, uint16(1), le.Uint16(b[20:22]))
	assert.Equal(t, uint16(1), le.Uint16(b[22:24]))
	assert.Equal(t, uint32(16000), le.Uint32(b[24:28]))
	assert.Equal(t, uint32(32000), le.Uint32(b[28:32]))
	assert.Equal(t, uint16(2), le.Uint16(b[32:34]))
	assert.Equal(t, uint16(16), le.Uint16(b[34:36]))
	assert.Equal(t, "data", string(b[36:40]))
	assert.Equal(t, uint32(6), le.Uint32(b[40:44]))
}

func TestDecodeWAV_RoundTrip(t *testing.T) {
	in := sine(16000, 440, 100*time.Millisecond, 0.5)
	pcm, err := DecodeWAV(EncodeWAV(in, 16000))
	require.NoError(t, err)
	assert.Equal(t, 16000, pcm.SampleRate)
	assert.Len(t, pcm.Samples, len(in))
	assert.InDelta(t, 0.1, pcm.Duration(), 0.001)

	_, err = DecodeWAV([]byte("ID3 not a wav"))
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestLevel_SilenceVersusTone(t *testing.T) {
	assert.Equal(t, 0.0, Level(nil))
	silent := Level(make([]int16, 256))
	pcm, err := DecodeWAV(EncodeWAV(sine(16000, 300, 20*time.Millisecond, 0.8), 16000))
	require.NoError(t, err)
	loud := Level(pcm.Samples)
	assert.Less(t, silent, 0.01)
	assert.Greater(t, loud, silent)
	assert.LessOrEqual(t, loud, 1.0)
}

type recordingSink struct {
	mu      sync.Mutex
	frames  int
	clips   int
	stopped int
}

func (s *recordingSink) WritePCM(frame []byte, rate int) { s.mu.Lock(); s.frames++; s.mu.Unlock() }
func (s *recordingSink) WriteClip(clip []byte)           { s.mu.Lock(); s.clips++; s.mu.Unlock() }
func (s *recordingSink) StopAudio()                      { s.mu.Lock(); s.stopped++; s.mu.Unlock() }

func TestPacedPlayer_PacesWAVFrames(t *testing.T) {
	sink := &recordingSink{}
	p := NewPacedPlayer(sink, 0)
	clip := EncodeWAV(sine(16000, 200, 100*time.Millisecond, 0.5), 16000)

	tr, err := p.Play(context.Background(), clip)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, tr.Duration())

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("track never finished")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 5, sink.frames)
	assert.Equal(t, 0.0, tr.Level())
}

func TestPacedPlayer_StopEndsTrack(t *testing.T) {
	sink := &recordingSink{}
	p := NewPacedPlayer(sink, 0)
	tr, err := p.Play(context.Background(), EncodeWAV(make([]float32, 16000*5), 16000))
	require.NoError(t, err)
	tr.Stop()
	tr.Stop()
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not end the track")
	}
	sink.mu.Lock()
	assert.Equal(t, 1, sink.stopped)
	sink.mu.Unlock()
}

func TestPacedPlayer_CompressedClipUsesBitrateClock(t *testing.T) {
	sink := &recordingSink{}
	p := NewPacedPlayer(sink, 128)
	clip := make([]byte, 1600) // 100ms at 128 kbps
	tr, err := p.Play(context.Background(), clip)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, tr.Duration())
	assert.Equal(t, 0.5, tr.Level())
	<-tr.Done()
	assert.Equal(t, 1, sink.clips)
}
