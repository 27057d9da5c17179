package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVAD struct {
	sent   atomic.Int32
	speech chan bool
}

func newFakeVAD() *fakeVAD                     { return &fakeVAD{speech: make(chan bool, 16)} }
func (f *fakeVAD) SendFrame(samples []float32) { f.sent.Add(1) }
func (f *fakeVAD) Speech() <-chan bool         { return f.speech }

type fakeRecognizer struct {
	mu    sync.Mutex
	calls int
	wavs  [][]byte
	text  string
	err   error
}

func (f *fakeRecognizer) Recognize(ctx context.Context, wav []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.wavs = append(f.wavs, wav)
	return f.text, f.err
}

func (f *fakeRecognizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu         sync.Mutex
	onsets     int
	dropped    []string
	recognized []string
	silences   atomic.Int32
}

func (r *recorder) events() Events {
	return Events{
		OnSpeechOnset:      func() { r.mu.Lock(); r.onsets++; r.mu.Unlock() },
		OnUtteranceDropped: func(reason string) { r.mu.Lock(); r.dropped = append(r.dropped, reason); r.mu.Unlock() },
		OnSpeechRecognized: func(text string) { r.mu.Lock(); r.recognized = append(r.recognized, text); r.mu.Unlock() },
		OnSilence:          func() { r.silences.Add(1) },
	}
}

func (r *recorder) snapshot() (int, []string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onsets, append([]string(nil), r.dropped...), append([]string(nil), r.recognized...)
}

func testConfig() Config {
	return Config{
		SampleRate:   16000,
		BufferLength: 30 * time.Second,
		Preroll:      100 * time.Millisecond,
		Silence:      30 * time.Millisecond,
		MinUtterance: 500 * time.Millisecond,
	}
}

func frames(ms int) []float32 { return make([]float32, 16*ms) }

func startMachine(t *testing.T, cfg Config, asr *fakeRecognizer) (*Machine, *fakeVAD, *recorder) {
	t.Helper()
	vad := newFakeVAD()
	rec := &recorder{}
	m := NewMachine(cfg, vad, asr, rec.events(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m, vad, rec
}

func TestShortUtteranceNeverReachesRecognizer(t *testing.T) {
	cfg := testConfig()
	cfg.Preroll = 0
	asr := &fakeRecognizer{text: "unused"}
	m, _, rec := startMachine(t, cfg, asr)

	m.HandleSpeech(true)
	m.Feed(frames(300))
	m.HandleSpeech(false)

	require.Eventually(t, func() bool { _, d, _ := rec.snapshot(); return len(d) == 1 }, time.Second, 5*time.Millisecond)
	_, dropped, _ := rec.snapshot()
	assert.Equal(t, []string{"too_short"}, dropped)
	assert.Equal(t, 0, asr.Calls())
	assert.False(t, m.Locked())
	assert.Equal(t, Listening, m.State())
}

func TestRecognizedUtteranceIncludesPrerollAndStaysLocked(t *testing.T) {
	asr := &fakeRecognizer{text: " 你好 "}
	m, _, rec := startMachine(t, testConfig(), asr)

	m.Feed(frames(200))
	m.HandleSpeech(true)
	assert.Equal(t, Recording, m.State())
	m.Feed(frames(600))
	m.HandleSpeech(false)

	require.Eventually(t, func() bool { _, _, r := rec.snapshot(); return len(r) == 1 }, time.Second, 5*time.Millisecond)
	onsets, _, recognized := rec.snapshot()
	assert.Equal(t, 1, onsets)
	assert.Equal(t, []string{"你好"}, recognized)

	asr.mu.Lock()
	wav := asr.wavs[0]
	asr.mu.Unlock()
	// 100ms pre-roll + 600ms speech at 16kHz, two bytes per sample
	assert.Len(t, wav, 44+(1600+9600)*2)

	assert.Equal(t, ProcessingUtterance, m.State())
	assert.True(t, m.Locked())
	m.HandleSpeech(true)
	assert.Equal(t, ProcessingUtterance, m.State())

	m.Unlock()
	assert.False(t, m.Locked())
	assert.Equal(t, Listening, m.State())
}

func TestRecognizerFailureReleasesLock(t *testing.T) {
	asr := &fakeRecognizer{err: errors.New("asr: status=error message=boom")}
	m, _, rec := startMachine(t, testConfig(), asr)

	m.HandleSpeech(true)
	m.Feed(frames(800))
	m.HandleSpeech(false)

	require.Eventually(t, func() bool { _, d, _ := rec.snapshot(); return len(d) == 1 }, time.Second, 5*time.Millisecond)
	_, dropped, recognized := rec.snapshot()
	assert.Equal(t, []string{"asr_failed"}, dropped)
	assert.Empty(t, recognized)
	assert.False(t, m.Locked())
	assert.Equal(t, Listening, m.State())
}

func TestSpeechBeforeSilenceTimeoutKeepsRecording(t *testing.T) {
	cfg := testConfig()
	cfg.Silence = 80 * time.Millisecond
	asr := &fakeRecognizer{text: "ok"}
	m, _, rec := startMachine(t, cfg, asr)

	m.HandleSpeech(true)
	m.Feed(frames(700))
	m.HandleSpeech(false)
	time.Sleep(20 * time.Millisecond)
	m.HandleSpeech(true)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, Recording, m.State())
	assert.Equal(t, 0, asr.Calls())

	m.HandleSpeech(false)
	require.Eventually(t, func() bool { _, _, r := rec.snapshot(); return len(r) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPauseMutesFramesAndEvents(t *testing.T) {
	asr := &fakeRecognizer{text: "ok"}
	m, vad, rec := startMachine(t, testConfig(), asr)

	m.Pause()
	m.Feed(frames(100))
	m.HandleSpeech(true)
	assert.Equal(t, int32(0), vad.sent.Load())
	assert.Equal(t, Listening, m.State())

	m.Resume()
	m.Feed(frames(100))
	assert.Equal(t, int32(1), vad.sent.Load())
	onsets, _, _ := rec.snapshot()
	assert.Equal(t, 0, onsets)
}

func TestPauseAbandonsRecording(t *testing.T) {
	asr := &fakeRecognizer{text: "ok"}
	m, _, rec := startMachine(t, testConfig(), asr)
	m.HandleSpeech(true)
	m.Feed(frames(700))
	m.HandleSpeech(false)
	m.Pause()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, asr.Calls())
	assert.Equal(t, Listening, m.State())
	_, dropped, _ := rec.snapshot()
	assert.Equal(t, []string{"paused"}, dropped)

	// pausing again with nothing recorded reports nothing
	m.Resume()
	m.Pause()
	_, dropped, _ = rec.snapshot()
	assert.Len(t, dropped, 1)
}

func TestSilenceOutsideRecording(t *testing.T) {
	asr := &fakeRecognizer{text: "ok"}
	m, _, rec := startMachine(t, testConfig(), asr)

	m.HandleSpeech(false)
	assert.EqualValues(t, 1, rec.silences.Load())

	// silence inside a recording starts the timer instead
	m.HandleSpeech(true)
	m.HandleSpeech(false)
	assert.EqualValues(t, 1, rec.silences.Load())

	m.Pause()
	m.HandleSpeech(false)
	assert.EqualValues(t, 1, rec.silences.Load())
}

func TestSpeechEventsFromFeed(t *testing.T) {
	asr := &fakeRecognizer{text: "ok"}
	m, vad, rec := startMachine(t, testConfig(), asr)
	vad.speech <- true
	require.Eventually(t, func() bool { return m.State() == Recording }, time.Second, 5*time.Millisecond)
	onsets, _, _ := rec.snapshot()
	assert.Equal(t, 1, onsets)
}

func TestRing_AbsolutePositions(t *testing.T) {
	r := NewRing(4)
	r.Write([]float32{1, 2, 3})
	assert.Equal(t, []float32{2, 3}, r.From(1))
	r.Write([]float32{4, 5, 6})
	assert.Equal(t, int64(6), r.Written())
	assert.Equal(t, int64(2), r.Oldest())
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, []float32{3, 4, 5, 6}, r.From(-10))
	assert.Equal(t, []float32{5, 6}, r.From(4))
	assert.Nil(t, r.From(6))

	r.KeepLast(2)
	assert.Equal(t, []float32{5, 6}, r.From(0))
}
