package barrage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/avatar-overlay/internal/state"
)

// Submitter runs one barrage turn. It returns state.ErrBusy when the turn
// lock was taken, in which case the item is retried later.
type Submitter interface {
	SubmitBarrageMessage(ctx context.Context, nickname, text string) error
}

// Speech reports whether the voice engine has nothing left to say. A
// reply can be synthesizing before PlayingAudio goes up.
type Speech interface {
	Idle() bool
}

type Item struct {
	Nickname string `json:"nickname"`
	Text     string `json:"text"`
}

// Queue is the FIFO between the feed and the arbiter. Its drainer owns
// the ProcessingBarrage flag.
type Queue struct {
	flags      *state.Context
	processing *state.FlagWriter
	speech     Speech
	settle     time.Duration
	log        zerolog.Logger

	mu    sync.Mutex
	items []Item
	wake  chan struct{}
}

func NewQueue(flags *state.Context, speech Speech, settle time.Duration, log zerolog.Logger) *Queue {
	return &Queue{
		flags:      flags,
		processing: flags.ProcessingBarrage.Claim("barrage"),
		speech:     speech,
		settle:     settle,
		log:        log,
		wake:       make(chan struct{}, 1),
	}
}

// Push appends a message and wakes the drainer.
func (q *Queue) Push(nickname, text string) {
	q.mu.Lock()
	q.items = append(q.items, Item{Nickname: nickname, Text: text})
	n := len(q.items)
	q.mu.Unlock()
	q.log.Debug().Str("nickname", nickname).Int("queued", n).Msg("barrage queued")
	q.Kick()
}

// Kick makes the drainer re-check its gates, e.g. after playback ends.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Run drains the queue until ctx ends.
func (q *Queue) Run(ctx context.Context, submit Submitter) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
		for q.drainOne(ctx, submit) {
			t := time.NewTimer(q.settle)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}

func (q *Queue) ready() bool {
	if q.flags.PlayingAudio.Get() || q.flags.Turn.Held() {
		return false
	}
	return q.speech == nil || q.speech.Idle()
}

// drainOne submits the head item if the gates allow it. It reports
// whether an item was consumed.
func (q *Queue) drainOne(ctx context.Context, submit Submitter) bool {
	if !q.ready() {
		return false
	}
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	item := q.items[0]
	q.mu.Unlock()

	q.processing.Set(true)
	err := submit.SubmitBarrageMessage(ctx, item.Nickname, item.Text)
	q.processing.Set(false)

	if errors.Is(err, state.ErrBusy) {
		return false
	}
	if err != nil && ctx.Err() == nil {
		q.log.Warn().Err(err).Str("nickname", item.Nickname).Msg("barrage turn failed")
	}
	q.mu.Lock()
	q.items = q.items[1:]
	q.mu.Unlock()
	return true
}
