package barrage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/avatar-overlay/internal/state"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	texts   []string
	busyFor int
	during  []bool
	flags   *state.Context
}

func (s *recordingSubmitter) SubmitBarrageMessage(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyFor > 0 {
		s.busyFor--
		return state.ErrBusy
	}
	s.texts = append(s.texts, text)
	s.during = append(s.during, s.flags.ProcessingBarrage.Get())
	return nil
}

func (s *recordingSubmitter) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type idleSpeech struct{ idle bool }

func (s *idleSpeech) Idle() bool { return s.idle }

func runQueue(t *testing.T, q *Queue, sub Submitter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, sub)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueue_HeldWhilePlaying(t *testing.T) {
	flags := state.New()
	playing := flags.PlayingAudio.Claim("test")
	q := NewQueue(flags, nil, time.Millisecond, zerolog.Nop())
	sub := &recordingSubmitter{flags: flags}
	runQueue(t, q, sub)

	playing.Set(true)
	q.Push("a", "first")
	q.Push("b", "second")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sub.got())
	assert.Equal(t, 2, q.Len())

	playing.Set(false)
	q.Kick()
	require.Eventually(t, func() bool { return len(sub.got()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, sub.got())
	assert.Equal(t, []bool{true, true}, sub.during)
	assert.False(t, flags.ProcessingBarrage.Get())
	assert.Zero(t, q.Len())
}

func TestQueue_HeldWhileTurnLocked(t *testing.T) {
	flags := state.New()
	q := NewQueue(flags, nil, time.Millisecond, zerolog.Nop())
	sub := &recordingSubmitter{flags: flags}
	runQueue(t, q, sub)

	require.True(t, flags.Turn.TryAcquire())
	q.Push("a", "hi")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sub.got())

	flags.Turn.Release()
	q.Kick()
	require.Eventually(t, func() bool { return len(sub.got()) == 1 }, time.Second, 2*time.Millisecond)
}

func TestQueue_HeldWhileSpeechPending(t *testing.T) {
	flags := state.New()
	speech := &idleSpeech{}
	q := NewQueue(flags, speech, time.Millisecond, zerolog.Nop())
	sub := &recordingSubmitter{flags: flags}

	q.Push("a", "hi")
	assert.False(t, q.drainOne(context.Background(), sub))
	speech.idle = true
	assert.True(t, q.drainOne(context.Background(), sub))
	assert.Equal(t, []string{"hi"}, sub.got())
}

func TestQueue_BusyKeepsHead(t *testing.T) {
	flags := state.New()
	q := NewQueue(flags, nil, time.Millisecond, zerolog.Nop())
	sub := &recordingSubmitter{flags: flags, busyFor: 1}

	q.Push("a", "first")
	q.Push("b", "second")
	assert.False(t, q.drainOne(context.Background(), sub))
	assert.Equal(t, []Item{{"a", "first"}, {"b", "second"}}, q.Items())

	assert.True(t, q.drainOne(context.Background(), sub))
	assert.True(t, q.drainOne(context.Background(), sub))
	assert.Equal(t, []string{"first", "second"}, sub.got())
}

func TestQueue_SettlesBetweenItems(t *testing.T) {
	flags := state.New()
	q := NewQueue(flags, nil, 50*time.Millisecond, zerolog.Nop())
	sub := &recordingSubmitter{flags: flags}
	runQueue(t, q, sub)

	q.Push("a", "1")
	q.Push("b", "2")
	require.Eventually(t, func() bool { return len(sub.got()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	assert.Len(t, sub.got(), 1)
	require.Eventually(t, func() bool { return len(sub.got()) == 2 }, time.Second, time.Millisecond)
}
