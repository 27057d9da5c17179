// Package state holds the turn lock and the advisory flags shared by every
// producer in the pipeline.
package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrBusy is returned by a submission that found the turn lock taken. The
// submission was dropped, not queued.
var ErrBusy = errors.New("turn in progress")

// TurnLock is the one exclusive token for "an LLM turn is being serviced".
// Callers never wait on it: TryAcquire either wins or the caller skips.
type TurnLock struct {
	held atomic.Bool
}

// TryAcquire takes the lock if it is free.
func (l *TurnLock) TryAcquire() bool { return l.held.CompareAndSwap(false, true) }

// Release frees the lock. Releasing a free lock is a no-op.
func (l *TurnLock) Release() { l.held.Store(false) }

// Held reports whether a turn is in progress.
func (l *TurnLock) Held() bool { return l.held.Load() }

// Flag is an advisory boolean readable by anyone and writable only through
// the FlagWriter handed to its single owner.
type Flag struct {
	name  string
	value atomic.Bool

	mu    sync.Mutex
	owner string
}

// Get returns the current value.
func (f *Flag) Get() bool { return f.value.Load() }

// Name identifies the flag in logs and status output.
func (f *Flag) Name() string { return f.name }

// Owner returns who claimed write access, or "" if unclaimed.
func (f *Flag) Owner() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner
}

// Claim hands out the only writer for this flag. A second claim panics:
// two writers on one flag is a wiring bug, not a runtime condition.
func (f *Flag) Claim(owner string) *FlagWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner != "" {
		panic(fmt.Sprintf("state: flag %s already owned by %s, %s cannot claim it", f.name, f.owner, owner))
	}
	f.owner = owner
	return &FlagWriter{flag: f}
}

// FlagWriter is the write handle for one Flag.
type FlagWriter struct {
	flag *Flag
}

// Set stores v.
func (w *FlagWriter) Set(v bool) { w.flag.value.Store(v) }

// Get reads through to the flag.
func (w *FlagWriter) Get() bool { return w.flag.Get() }

// Context is the shared turn context passed to every component constructor.
type Context struct {
	Turn TurnLock

	PlayingAudio        Flag
	ProcessingBarrage   Flag
	ProcessingUserInput Flag
}

// New returns an idle context with named flags.
func New() *Context {
	c := &Context{}
	c.PlayingAudio.name = "playing_audio"
	c.ProcessingBarrage.name = "processing_barrage"
	c.ProcessingUserInput.name = "processing_user_input"
	return c
}

// Snapshot is a point-in-time copy for status reporting.
type Snapshot struct {
	TurnHeld            bool `json:"turn_held"`
	PlayingAudio        bool `json:"playing_audio"`
	ProcessingBarrage   bool `json:"processing_barrage"`
	ProcessingUserInput bool `json:"processing_user_input"`
}

func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		TurnHeld:            c.Turn.Held(),
		PlayingAudio:        c.PlayingAudio.Get(),
		ProcessingBarrage:   c.ProcessingBarrage.Get(),
		ProcessingUserInput: c.ProcessingUserInput.Get(),
	}
}

// Busy reports whether any producer other than the idle trigger is active.
func (c *Context) Busy() bool {
	return c.PlayingAudio.Get() || c.ProcessingBarrage.Get() || c.ProcessingUserInput.Get()
}
