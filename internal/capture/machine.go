// Package capture turns the microphone stream plus voice-activity events
// into recognized utterances.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/avatar-overlay/internal/audio"
)

// State of the capture machine.
type State int

const (
	Idle State = iota
	Listening
	Recording
	ProcessingUtterance
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Recording:
		return "recording"
	case ProcessingUtterance:
		return "processing_utterance"
	default:
		return "idle"
	}
}

// VoiceActivity is the remote detector: frames go out, speech flags come back.
type VoiceActivity interface {
	SendFrame(samples []float32)
	Speech() <-chan bool
}

// Recognizer transcribes one WAV-encoded utterance.
type Recognizer interface {
	Recognize(ctx context.Context, wav []byte) (string, error)
}

// Events are observer hooks; any may be nil. They are called without the
// machine's lock held.
type Events struct {
	// OnSpeechOnset fires when a recording starts.
	OnSpeechOnset func()
	// OnUtteranceDropped fires when an utterance ends without text: too
	// short, abandoned by Pause, or the recognizer failed.
	OnUtteranceDropped func(reason string)
	// OnSilence fires for a silence verdict while nothing is recording.
	OnSilence func()
	// OnSpeechRecognized delivers the transcript. The machine stays locked
	// until Resume.
	OnSpeechRecognized func(text string)
}

type Config struct {
	SampleRate   int
	BufferLength time.Duration
	Preroll      time.Duration
	Silence      time.Duration
	MinUtterance time.Duration
}

func (c Config) samples(d time.Duration) int {
	return int(int64(c.SampleRate) * int64(d) / int64(time.Second))
}

// Machine is the speech capture state machine.
type Machine struct {
	cfg    Config
	log    zerolog.Logger
	vad    VoiceActivity
	asr    Recognizer
	events Events

	mu           sync.Mutex
	ctx          context.Context
	state        State
	paused       bool
	locked       bool
	ring         *Ring
	onsetAt      int64
	silenceTimer *time.Timer
	recording    uint64 // bumps per recording so stale timers are ignored
}

func NewMachine(cfg Config, vad VoiceActivity, asr Recognizer, events Events, log zerolog.Logger) *Machine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BufferLength <= 0 {
		cfg.BufferLength = 30 * time.Second
	}
	return &Machine{
		cfg:    cfg,
		log:    log,
		vad:    vad,
		asr:    asr,
		events: events,
		ring:   NewRing(cfg.samples(cfg.BufferLength)),
		ctx:    context.Background(),
	}
}

// Start begins listening and consumes speech events until ctx ends.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.state = Listening
	m.paused = false
	m.locked = false
	m.mu.Unlock()
	m.log.Info().Msg("capture started")

	go func() {
		speech := m.vad.Speech()
		for {
			select {
			case <-ctx.Done():
				m.Stop()
				return
			case isSpeech, ok := <-speech:
				if !ok {
					m.log.Warn().Msg("voice activity feed closed, capture disabled")
					return
				}
				m.HandleSpeech(isSpeech)
			}
		}
	}()
}

// Stop returns the machine to Idle and drops any partial recording.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearTimerLocked()
	m.state = Idle
	m.ring.Reset()
}

// Pause mutes capture while the character is speaking. A recording in
// progress is abandoned.
func (m *Machine) Pause() {
	m.mu.Lock()
	m.paused = true
	m.clearTimerLocked()
	abandoned := m.state == Recording
	if abandoned {
		m.state = Listening
	}
	m.mu.Unlock()
	if abandoned {
		m.log.Debug().Msg("recording abandoned by pause")
		m.dropped("paused")
	}
}

// Resume unmutes capture and releases the post-utterance lock.
func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.locked = false
	if m.state != Idle {
		m.state = Listening
	}
}

// Unlock is Resume under the name the turn pipeline uses after a turn.
func (m *Machine) Unlock() { m.Resume() }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Locked reports whether the machine refuses new utterances.
func (m *Machine) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked || m.paused
}

// Feed pushes one microphone frame. Frames are ignored while idle, paused
// or locked.
func (m *Machine) Feed(frame []float32) {
	m.mu.Lock()
	if m.state == Idle || m.paused || m.locked {
		m.mu.Unlock()
		return
	}
	m.ring.Write(frame)
	m.mu.Unlock()
	m.vad.SendFrame(frame)
}

// HandleSpeech applies one voice-activity classification.
func (m *Machine) HandleSpeech(isSpeech bool) {
	m.mu.Lock()
	if m.state == Idle || m.paused || m.locked {
		m.mu.Unlock()
		return
	}
	if isSpeech {
		m.clearTimerLocked()
		if m.state != Recording {
			m.state = Recording
			m.onsetAt = m.ring.Written()
			m.recording++
			m.mu.Unlock()
			m.log.Debug().Msg("speech onset")
			if m.events.OnSpeechOnset != nil {
				m.events.OnSpeechOnset()
			}
			return
		}
		m.mu.Unlock()
		return
	}
	if m.state != Recording {
		m.mu.Unlock()
		if m.events.OnSilence != nil {
			m.events.OnSilence()
		}
		return
	}
	if m.silenceTimer == nil {
		id := m.recording
		m.silenceTimer = time.AfterFunc(m.cfg.Silence, func() { m.finalize(id) })
	}
	m.mu.Unlock()
}

func (m *Machine) clearTimerLocked() {
	if m.silenceTimer != nil {
		m.silenceTimer.Stop()
		m.silenceTimer = nil
	}
}

func (m *Machine) finalize(id uint64) {
	m.mu.Lock()
	if m.state != Recording || m.recording != id || m.locked {
		m.mu.Unlock()
		return
	}
	m.silenceTimer = nil
	m.state = ProcessingUtterance
	m.locked = true
	start := m.onsetAt - int64(m.cfg.samples(m.cfg.Preroll))
	samples := m.ring.From(start)
	m.ring.KeepLast(m.cfg.samples(m.cfg.Preroll))
	ctx := m.ctx
	m.mu.Unlock()

	if len(samples) < m.cfg.samples(m.cfg.MinUtterance) {
		m.log.Debug().Int("samples", len(samples)).Msg("utterance too short, discarded")
		m.release()
		m.dropped("too_short")
		return
	}

	wav := audio.EncodeWAV(samples, m.cfg.SampleRate)
	text, err := m.asr.Recognize(ctx, wav)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		m.log.Error().Err(err).Int("samples", len(samples)).Msg("speech recognition failed, utterance discarded")
		m.release()
		m.dropped("asr_failed")
		return
	}
	m.log.Info().Str("text", text).Msg("speech recognized")
	if m.events.OnSpeechRecognized != nil {
		m.events.OnSpeechRecognized(text)
	}
}

// release unlocks after an utterance that produced nothing downstream.
func (m *Machine) release() {
	m.mu.Lock()
	m.locked = false
	if m.state == ProcessingUtterance {
		m.state = Listening
	}
	m.mu.Unlock()
}

func (m *Machine) dropped(reason string) {
	if m.events.OnUtteranceDropped != nil {
		m.events.OnUtteranceDropped(reason)
	}
}
