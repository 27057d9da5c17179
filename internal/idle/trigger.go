// Package idle prompts the character to speak on its own after a quiet
// spell.
package idle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/avatar-overlay/internal/state"
)

// Submitter runs one autonomous turn.
type Submitter interface {
	SubmitAutonomousPrompt(ctx context.Context, prompt string) error
}

type Config struct {
	Enabled       bool
	Threshold     time.Duration
	CheckInterval time.Duration
	Prompts       []string
}

// Trigger fires an autonomous prompt once nothing has happened for
// Threshold.
type Trigger struct {
	cfg    Config
	flags  *state.Context
	submit Submitter
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	last   time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, flags *state.Context, submit Submitter, log zerolog.Logger) *Trigger {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &Trigger{cfg: cfg, flags: flags, submit: submit, log: log, now: time.Now, last: time.Now()}
}

// SetClock replaces time.Now; for tests.
func (t *Trigger) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.last = now()
	t.mu.Unlock()
}

// Start runs the checker until Stop or ctx ends. It does nothing when the
// trigger is disabled.
func (t *Trigger) Start(ctx context.Context) {
	if !t.cfg.Enabled {
		t.log.Info().Msg("idle trigger disabled")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	t.last = t.now()
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
	t.log.Info().Dur("threshold", t.cfg.Threshold).Dur("interval", t.cfg.CheckInterval).Msg("idle trigger started")
}

func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// UpdateLastInteractionTime restarts the quiet period.
func (t *Trigger) UpdateLastInteractionTime() {
	t.mu.Lock()
	t.last = t.now()
	t.mu.Unlock()
}

func (t *Trigger) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}

// Check runs one idle test. Once the threshold is crossed the clock is
// reset, whether or not a prompt could be submitted.
func (t *Trigger) Check(ctx context.Context) bool {
	t.mu.Lock()
	idleFor := t.now().Sub(t.last)
	t.mu.Unlock()
	if idleFor < t.cfg.Threshold {
		return false
	}
	defer t.UpdateLastInteractionTime()

	if t.flags.Busy() {
		t.log.Debug().Msg("idle threshold reached while busy, skipping")
		return false
	}
	prompt := t.prompt()
	if prompt == "" {
		return false
	}
	t.log.Info().Dur("idle", idleFor).Msg("idle trigger firing")
	if err := t.submit.SubmitAutonomousPrompt(ctx, prompt); err != nil {
		t.log.Debug().Err(err).Msg("autonomous prompt not served")
		return false
	}
	return true
}

func (t *Trigger) prompt() string {
	switch len(t.cfg.Prompts) {
	case 0:
		return ""
	case 1:
		return t.cfg.Prompts[0]
	}
	return t.cfg.Prompts[rand.Intn(len(t.cfg.Prompts))]
}
