package audio

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// frameDuration is the pacing unit for PCM delivery.
const frameDuration = 20 * time.Millisecond

// Sink receives audio for the actual output device (the overlay window).
type Sink interface {
	// WritePCM delivers one paced frame of PCM16LE mono audio.
	WritePCM(frame []byte, sampleRate int)
	// WriteClip delivers a compressed clip the sink must decode itself.
	WriteClip(clip []byte)
	// StopAudio drops anything the sink has buffered.
	StopAudio()
}

// Track is one clip being played.
type Track interface {
	Duration() time.Duration
	// Level is the current spectrum level in [0,1].
	Level() float64
	Done() <-chan struct{}
	Stop()
}

// Player starts playback of synthesized clips.
type Player interface {
	Play(ctx context.Context, clip []byte) (Track, error)
}

// PacedPlayer plays WAV clips by pushing 20ms frames to the sink in real
// time, tracking the play head so the spectrum level follows the audio.
// Anything else is handed to the sink whole, with its duration estimated
// from the configured bitrate.
type PacedPlayer struct {
	Sink           Sink
	MP3BitrateKbps int
}

func NewPacedPlayer(sink Sink, mp3BitrateKbps int) *PacedPlayer {
	if mp3BitrateKbps <= 0 {
		mp3BitrateKbps = 128
	}
	return &PacedPlayer{Sink: sink, MP3BitrateKbps: mp3BitrateKbps}
}

func (p *PacedPlayer) Play(ctx context.Context, clip []byte) (Track, error) {
	pcm, err := DecodeWAV(clip)
	t := &track{done: make(chan struct{}), stopCh: make(chan struct{}), sink: p.Sink}
	if err == nil {
		t.pcm = pcm
		t.duration = time.Duration(pcm.Duration() * float64(time.Second))
		go t.pace(ctx)
		return t, nil
	}
	if err != ErrNotWAV {
		return nil, err
	}
	// compressed payload: no samples to analyse
	t.duration = time.Duration(float64(len(clip)*8) / float64(p.MP3BitrateKbps*1000) * float64(time.Second))
	t.flatLevel = 0.5
	if p.Sink != nil {
		p.Sink.WriteClip(clip)
	}
	go t.clock(ctx)
	return t, nil
}

type track struct {
	sink      Sink
	pcm       PCM
	duration  time.Duration
	flatLevel float64
	head      atomic.Int64 // samples already delivered

	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
	finished atomic.Bool
}

func (t *track) Duration() time.Duration { return t.duration }
func (t *track) Done() <-chan struct{}   { return t.done }

func (t *track) Level() float64 {
	if t.finished.Load() {
		return 0
	}
	if t.pcm.Samples == nil {
		return t.flatLevel
	}
	head := int(t.head.Load())
	if head > len(t.pcm.Samples) {
		head = len(t.pcm.Samples)
	}
	start := head - spectrumSize
	if start < 0 {
		start = 0
	}
	return Level(t.pcm.Samples[start:head])
}

// Stop halts playback and tells the sink to drop buffered audio.
func (t *track) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.sink != nil {
			t.sink.StopAudio()
		}
	})
}

func (t *track) finish() {
	t.doneOnce.Do(func() {
		t.finished.Store(true)
		close(t.done)
	})
}

func (t *track) pace(ctx context.Context) {
	defer t.finish()
	perFrame := t.pcm.SampleRate * int(frameDuration) / int(time.Second)
	if perFrame <= 0 {
		return
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	buf := make([]byte, perFrame*2)
	for pos := 0; pos < len(t.pcm.Samples); {
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
		}
		end := pos + perFrame
		if end > len(t.pcm.Samples) {
			end = len(t.pcm.Samples)
		}
		frame := buf[:(end-pos)*2]
		for i, s := range t.pcm.Samples[pos:end] {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(s))
		}
		if t.sink != nil {
			t.sink.WritePCM(frame, t.pcm.SampleRate)
		}
		pos = end
		t.head.Store(int64(pos))
	}
}

func (t *track) clock(ctx context.Context) {
	defer t.finish()
	timer := time.NewTimer(t.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		t.Stop()
	case <-t.stopCh:
	case <-timer.C:
	}
}
