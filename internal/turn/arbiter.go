// Package turn arbitrates who gets to talk to the LLM. User speech, live
// chat and the idle trigger all submit here; at most one turn runs at a
// time and a submission that finds the lock taken is dropped.
package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/avatar-overlay/internal/dialog"
	"github.com/chadiek/avatar-overlay/internal/history"
	"github.com/chadiek/avatar-overlay/internal/llm"
	"github.com/chadiek/avatar-overlay/internal/state"
	"github.com/chadiek/avatar-overlay/internal/tools"
	"github.com/chadiek/avatar-overlay/internal/vision"
)

const (
	barragePrefix    = "[弹幕]"
	autonomousPrefix = "[自动触发] "

	// BarrageNote is added to the system prompt before the first chat turn.
	BarrageNote = "你可能会收到直播弹幕消息，这些消息会被标记为[弹幕]，表示这是来自直播间观众的消息，而不是主人直接对你说的话。当你看到[弹幕]标记时，你应该知道这是其他人发送的，但你仍然可以回应，就像在直播间与观众互动一样。"
)

// Completer is the chat-completion endpoint.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Reply, error)
	Stream(ctx context.Context, req llm.Request, onDelta func(string)) (string, error)
}

// Speaker is the streaming response engine.
type Speaker interface {
	AddStreamingText(chunk string)
	FinalizeStreamingText()
	ProcessTextToSpeech(text string)
	Interrupt()
	Reset()
}

// Capture is the speech capture machine.
type Capture interface {
	Pause()
	Resume()
}

type Captioner interface {
	ShowCaption(text string, d time.Duration)
	HideCaption()
}

type ScreenChecker interface {
	NeedScreenshot(ctx context.Context, text string) bool
}

// Options are the optional collaborators and timings. Zero values disable
// the collaborator or pick the default timing.
type Options struct {
	Tools       tools.Provider
	Vision      ScreenChecker
	Screenshots vision.Screenshotter
	Dialog      dialog.Log

	// AutonomousTools lets idle-triggered turns use tools.
	AutonomousTools bool

	ErrorCaption  time.Duration
	ResumeDelay   time.Duration
	UnwindTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ErrorCaption <= 0 {
		o.ErrorCaption = 3 * time.Second
	}
	if o.ResumeDelay <= 0 {
		o.ResumeDelay = 200 * time.Millisecond
	}
	if o.UnwindTimeout <= 0 {
		o.UnwindTimeout = 2 * time.Second
	}
	return o
}

type submission struct {
	source  dialog.Source
	speaker string
	text    string
	prompt  string
	stream  bool
	tools   bool
	vision  bool
}

// Status is the arbiter's view for the control API.
type Status struct {
	state.Snapshot
	HistoryLen     int       `json:"history_len"`
	ToolsConnected bool      `json:"tools_connected"`
	Turns          uint64    `json:"turns"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
}

// Arbiter owns the turn lock and the ProcessingUserInput flag.
type Arbiter struct {
	flags     *state.Context
	userInput *state.FlagWriter
	history   *history.History
	llm       Completer
	speaker   Speaker
	capture   Capture
	captions  Captioner
	opts      Options
	log       zerolog.Logger

	// hooks set after construction
	hookMu sync.RWMutex
	idle   interface{ UpdateLastInteractionTime() }
	kick   func()

	mu          sync.Mutex
	seq         uint64
	active      uint64
	cancel      context.CancelFunc
	done        chan struct{}
	turns       uint64
	lastError   string
	lastErrorAt time.Time
}

func New(flags *state.Context, hist *history.History, completer Completer, speaker Speaker, capture Capture, captions Captioner, opts Options, log zerolog.Logger) *Arbiter {
	return &Arbiter{
		flags:     flags,
		userInput: flags.ProcessingUserInput.Claim("turn"),
		history:   hist,
		llm:       completer,
		speaker:   speaker,
		capture:   capture,
		captions:  captions,
		opts:      opts.withDefaults(),
		log:       log,
	}
}

// SetIdleTracker wires the idle trigger's clock reset.
func (a *Arbiter) SetIdleTracker(t interface{ UpdateLastInteractionTime() }) {
	a.hookMu.Lock()
	a.idle = t
	a.hookMu.Unlock()
}

// SetBarrageKick wires the barrage drainer's wake-up.
func (a *Arbiter) SetBarrageKick(kick func()) {
	a.hookMu.Lock()
	a.kick = kick
	a.hookMu.Unlock()
}

// SubmitUserText runs a turn for something the user said or typed. The
// reply is streamed into the speaker.
func (a *Arbiter) SubmitUserText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	a.touch()
	return a.run(ctx, submission{
		source: dialog.SourceUser,
		text:   text,
		prompt: text,
		stream: true,
		tools:  true,
		vision: true,
	})
}

// SubmitBarrageMessage runs a turn for one live-chat message. It is
// refused while audio is playing.
func (a *Arbiter) SubmitBarrageMessage(ctx context.Context, nickname, text string) error {
	if a.flags.PlayingAudio.Get() {
		return state.ErrBusy
	}
	return a.run(ctx, submission{
		source:  dialog.SourceBarrage,
		speaker: nickname,
		text:    text,
		prompt:  barragePrefix + " " + nickname + ": " + text,
		tools:   true,
	})
}

// SubmitAutonomousPrompt runs an idle-triggered turn.
func (a *Arbiter) SubmitAutonomousPrompt(ctx context.Context, prompt string) error {
	if a.flags.PlayingAudio.Get() {
		return state.ErrBusy
	}
	return a.run(ctx, submission{
		source: dialog.SourceAutonomous,
		text:   prompt,
		prompt: autonomousPrefix + prompt,
		tools:  a.opts.AutonomousTools,
	})
}

// Interrupt cancels the running turn and silences the speaker. Capture
// comes back shortly after.
func (a *Arbiter) Interrupt() {
	// cancelling under mu closes the gate in speak before the speaker is
	// cleared, so nothing from this turn can be queued afterwards
	a.mu.Lock()
	id, cancel, done := a.active, a.cancel, a.done
	if cancel != nil {
		cancel()
	}
	a.mu.Unlock()
	a.speaker.Interrupt()
	if done != nil {
		select {
		case <-done:
		case <-time.After(a.opts.UnwindTimeout):
			a.log.Warn().Uint64("turn", id).Msg("turn did not unwind in time, releasing lock")
			a.finishTurn(id)
		}
	}
	a.userInput.Set(false)
	time.AfterFunc(a.opts.ResumeDelay, a.capture.Resume)
	a.log.Info().Msg("interrupted")
}

// SpeechOnset marks the user as talking.
func (a *Arbiter) SpeechOnset() {
	a.userInput.Set(true)
	a.touch()
}

// UtteranceDropped clears the talking mark when capture produced no text.
// Capture has already unlocked itself.
func (a *Arbiter) UtteranceDropped(reason string) {
	a.log.Debug().Str("reason", reason).Msg("utterance dropped")
	a.userInput.Set(false)
}

// SilenceHeard is the capture hook for silence with nothing recording. It
// clears a user-input flag left behind by an utterance that never ended,
// unless a turn is running.
func (a *Arbiter) SilenceHeard() {
	if a.flags.Turn.Held() || !a.flags.ProcessingUserInput.Get() {
		return
	}
	a.log.Debug().Msg("silence with no utterance, clearing user input")
	a.userInput.Set(false)
}

// SpeechRecognized is the capture hook. If the turn cannot run, capture
// is released so the user can speak again.
func (a *Arbiter) SpeechRecognized(ctx context.Context, text string) {
	err := a.SubmitUserText(ctx, text)
	if errors.Is(err, state.ErrBusy) || errors.Is(err, ErrEmptyText) {
		a.userInput.Set(false)
		a.capture.Resume()
	}
}

// PlaybackStarted is the speaker hook for each segment start.
func (a *Arbiter) PlaybackStarted() {
	a.capture.Pause()
}

// PlaybackFinished is the speaker hook for the end of a reply.
func (a *Arbiter) PlaybackFinished() {
	a.capture.Resume()
	a.touch()
	a.kickBarrage()
}

func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Snapshot:       a.flags.Snapshot(),
		HistoryLen:     a.history.Len(),
		ToolsConnected: a.opts.Tools != nil && a.opts.Tools.Connected(),
		Turns:          a.turns,
		LastError:      a.lastError,
		LastErrorAt:    a.lastErrorAt,
	}
}

func (a *Arbiter) run(ctx context.Context, sub submission) error {
	if !a.flags.Turn.TryAcquire() {
		a.log.Debug().Str("source", string(sub.source)).Msg("turn busy, submission skipped")
		return state.ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	a.seq++
	id := a.seq
	a.active, a.cancel, a.done = id, cancel, done
	a.turns++
	a.mu.Unlock()

	if sub.source == dialog.SourceUser {
		a.userInput.Set(true)
	}
	log := a.log.With().Uint64("turn", id).Str("source", string(sub.source)).Logger()
	log.Info().Str("prompt", sub.prompt).Msg("turn started")

	err := a.serve(ctx, sub, log)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		log.Info().Msg("turn cancelled")
		err = context.Canceled
		if a.isActive(id) {
			a.speaker.Reset()
		}
	default:
		a.fail(err, log)
	}
	cancel()
	close(done)
	a.finishTurn(id)
	if sub.source == dialog.SourceUser {
		a.userInput.Set(false)
	}
	a.kickBarrage()
	return err
}

// finishTurn releases the lock if turn id still holds it.
// speak hands text to the speaker unless the turn owning ctx has been
// cancelled. Interrupt cancels under the same mutex, so a handoff either
// lands before the cancel and is cleared by it, or is dropped.
func (a *Arbiter) speak(ctx context.Context, fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

func (a *Arbiter) isActive(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active == id
}

func (a *Arbiter) finishTurn(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != id {
		return
	}
	a.active, a.cancel, a.done = 0, nil, nil
	a.flags.Turn.Release()
}

func (a *Arbiter) serve(ctx context.Context, sub submission, log zerolog.Logger) error {
	if sub.source == dialog.SourceBarrage && a.history.EnsureSystemNote(BarrageNote) {
		log.Info().Msg("system prompt extended for live chat")
	}
	a.history.Append(llm.Message{Role: llm.RoleUser, Content: sub.prompt})
	a.history.Trim()

	msgs := a.history.Snapshot()
	if sub.vision {
		msgs = a.attachScreenshot(ctx, msgs, sub.text, log)
	}

	var d dispatcher = plainDispatch{}
	if sub.tools && a.opts.Tools != nil && a.opts.Tools.Connected() {
		d = toolDispatch{provider: a.opts.Tools}
	}
	reply, spoken, err := d.dispatch(ctx, a, msgs, sub.stream)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !spoken && !a.speak(ctx, func() { a.speaker.ProcessTextToSpeech(reply) }) {
		return ctx.Err()
	}
	a.history.Append(llm.Message{Role: llm.RoleAssistant, Content: reply})
	a.history.Trim()
	log.Info().Str("reply", reply).Msg("turn replied")

	if sub.source != dialog.SourceUser {
		a.touch()
	}
	if a.opts.Dialog != nil {
		entry := dialog.Entry{Time: time.Now(), Source: sub.source, Speaker: sub.speaker, Prompt: sub.text, Reply: reply}
		if err := a.opts.Dialog.Record(ctx, entry); err != nil {
			log.Warn().Err(err).Msg("dialog record failed")
		}
	}
	return nil
}

// attachScreenshot swaps the newest user message of the request copy for
// a text+image message when the classifier asks for the screen. Stored
// history keeps the plain text.
func (a *Arbiter) attachScreenshot(ctx context.Context, msgs []llm.Message, text string, log zerolog.Logger) []llm.Message {
	if a.opts.Vision == nil || a.opts.Screenshots == nil {
		return msgs
	}
	if !a.opts.Vision.NeedScreenshot(ctx, text) {
		return msgs
	}
	shot, err := a.opts.Screenshots.Capture(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("screenshot failed, sending text only")
		return msgs
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			msgs[i].Parts = []llm.ContentPart{
				llm.TextPart(msgs[i].Content),
				llm.ImagePart(vision.DataURL(shot)),
			}
			log.Info().Int("bytes", len(shot)).Msg("screenshot attached")
			break
		}
	}
	return msgs
}

func (a *Arbiter) fail(err error, log zerolog.Logger) {
	cat := Classify(err)
	caption := Caption(err)
	log.Error().Err(err).Str("category", string(cat)).Msg("turn failed")

	a.mu.Lock()
	a.lastError = caption
	a.lastErrorAt = time.Now()
	a.mu.Unlock()

	if a.captions != nil {
		a.captions.ShowCaption(caption, a.opts.ErrorCaption)
	}
	a.capture.Resume()
}

func (a *Arbiter) touch() {
	a.hookMu.RLock()
	idle := a.idle
	a.hookMu.RUnlock()
	if idle != nil {
		idle.UpdateLastInteractionTime()
	}
}

func (a *Arbiter) kickBarrage() {
	a.hookMu.RLock()
	kick := a.kick
	a.hookMu.RUnlock()
	if kick != nil {
		kick()
	}
}
