// Package voice turns reply text into ordered speech with a synchronized
// caption reveal, mouth movement and emotion motions.
package voice

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/avatar-overlay/internal/audio"
	"github.com/chadiek/avatar-overlay/internal/emotion"
	"github.com/chadiek/avatar-overlay/internal/state"
	"github.com/chadiek/avatar-overlay/internal/tts"
)

// Animator receives the mouth-openness value in [0,3].
type Animator interface {
	SetMouth(v float64)
}

// Captioner shows text over the avatar. A zero duration keeps the caption
// until HideCaption.
type Captioner interface {
	ShowCaption(text string, d time.Duration)
	HideCaption()
}

// EmotionMapper strips emotion tags from a segment and plays the markers
// they leave behind.
type EmotionMapper interface {
	Prepare(text string) (string, []emotion.Marker)
	Play(m emotion.Marker)
}

// Events are observer hooks; either may be nil. They run on engine
// goroutines and must not call Interrupt or Reset synchronously.
type Events struct {
	// OnSpeakingStarted fires as each segment starts playing.
	OnSpeakingStarted func()
	// OnFinished fires when everything queued has played, and once per
	// Interrupt.
	OnFinished func()
}

type Config struct {
	SynthesisWorkers  int
	MinRevealInterval time.Duration
	MaxRevealInterval time.Duration
	MarkerTolerance   int
	FrameInterval     time.Duration
	MouthGain         float64
	CaptionLinger     time.Duration
	SettleDelay       time.Duration
	CaptionPrefix     string
}

func (c Config) withDefaults() Config {
	if c.SynthesisWorkers < 1 {
		c.SynthesisWorkers = 1
	}
	if c.MinRevealInterval <= 0 {
		c.MinRevealInterval = 30 * time.Millisecond
	}
	if c.MaxRevealInterval <= 0 {
		c.MaxRevealInterval = 200 * time.Millisecond
	}
	if c.MaxRevealInterval < c.MinRevealInterval {
		c.MaxRevealInterval = c.MinRevealInterval
	}
	if c.MarkerTolerance < 0 {
		c.MarkerTolerance = 0
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 16 * time.Millisecond
	}
	if c.MouthGain <= 0 {
		c.MouthGain = 1
	}
	return c
}

type segment struct {
	seq  int
	text string
}

type clip struct {
	seq     int
	text    string
	markers []emotion.Marker
	audio   []byte
	failed  bool
}

// Engine is the streaming response engine. Text goes in through
// AddStreamingText/FinalizeStreamingText or ProcessTextToSpeech; segments
// are synthesized (possibly in parallel) and played strictly in order.
type Engine struct {
	cfg      Config
	log      zerolog.Logger
	synth    tts.Synthesizer
	player   audio.Player
	mouth    Animator
	captions Captioner
	playing  *state.FlagWriter
	events   Events

	// haltMu serializes Interrupt, Reset and Stop.
	haltMu sync.Mutex
	wg     sync.WaitGroup

	mu        sync.Mutex
	emotions  EmotionMapper
	base      context.Context
	running   bool
	gen       uint64
	cancel    context.CancelFunc
	seg       segmenter
	streaming bool
	turnOpen  bool
	nextSeq   int
	texts     []segment
	inflight  int
	ready     map[int]clip
	playSeq   int
	busy      bool
	shown     string
	hideTimer *time.Timer

	textWake  chan struct{}
	audioWake chan struct{}
}

// New claims the PlayingAudio flag of flags.
func New(cfg Config, synth tts.Synthesizer, player audio.Player, mouth Animator, captions Captioner, flags *state.Context, events Events, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		log:       log,
		synth:     synth,
		player:    player,
		mouth:     mouth,
		captions:  captions,
		playing:   flags.PlayingAudio.Claim("voice"),
		events:    events,
		ready:     make(map[int]clip),
		textWake:  make(chan struct{}, 1),
		audioWake: make(chan struct{}, 1),
	}
}

// SetEmotionMapper wires the animation collaborator. Segments already
// synthesized keep the mapper they were prepared with.
func (e *Engine) SetEmotionMapper(m EmotionMapper) {
	e.mu.Lock()
	e.emotions = m
	e.mu.Unlock()
}

// Start launches the synthesis and playback loops. They run until Stop or
// until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.base = ctx
	e.running = true
	e.startLocked(0)
}

// Stop ends the loops and drops everything queued.
func (e *Engine) Stop() {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.halt()
	e.playing.Set(false)
}

// AddStreamingText feeds one streamed chunk. Complete segments are queued
// for synthesis; the rest waits for more text.
func (e *Engine) AddStreamingText(chunk string) {
	e.mu.Lock()
	e.openTurnLocked()
	e.streaming = true
	for _, s := range e.seg.feed(chunk) {
		e.enqueueLocked(s)
	}
	e.mu.Unlock()
	wake(e.textWake)
}

// FinalizeStreamingText queues the carried remainder and ends the stream.
func (e *Engine) FinalizeStreamingText() {
	e.mu.Lock()
	e.openTurnLocked()
	e.streaming = false
	if rest := e.seg.flush(); rest != "" {
		e.enqueueLocked(rest)
	}
	gen, fire := e.gen, e.finishedLocked()
	e.mu.Unlock()
	wake(e.textWake)
	if fire {
		e.finish(gen)
	}
}

// ProcessTextToSpeech resets the engine and speaks text as one reply.
func (e *Engine) ProcessTextToSpeech(text string) {
	e.Reset()
	e.mu.Lock()
	e.openTurnLocked()
	for _, s := range e.seg.feed(text) {
		e.enqueueLocked(s)
	}
	if rest := e.seg.flush(); rest != "" {
		e.enqueueLocked(rest)
	}
	gen, fire := e.gen, e.finishedLocked()
	e.mu.Unlock()
	wake(e.textWake)
	if fire {
		e.finish(gen)
	}
}

// Interrupt stops speech at once. When it returns no goroutine of the
// interrupted turn can touch the mouth, the caption or the queues. The
// loops come back after the settle delay.
func (e *Engine) Interrupt() {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	e.halt()
	e.playing.Set(false)
	e.setMouth(0)
	if e.captions != nil {
		e.captions.HideCaption()
	}
	if cb := e.events.OnFinished; cb != nil {
		cb()
	}
	e.restart(e.cfg.SettleDelay)
}

// Reset clears everything like Interrupt but leaves the caption alone and
// does not report a finished turn.
func (e *Engine) Reset() {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	e.halt()
	e.playing.Set(false)
	e.setMouth(0)
	e.restart(0)
}

// Idle reports whether nothing is queued, synthesizing or playing.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drainedLocked() && !e.streaming
}

func (e *Engine) halt() {
	e.mu.Lock()
	e.gen++
	cancel := e.cancel
	e.cancel = nil
	e.clearLocked()
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) restart(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.cancel == nil {
		e.startLocked(delay)
	}
}

func (e *Engine) startLocked(delay time.Duration) {
	ctx, cancel := context.WithCancel(e.base)
	e.cancel = cancel
	gen := e.gen
	e.wg.Add(e.cfg.SynthesisWorkers + 1)
	for i := 0; i < e.cfg.SynthesisWorkers; i++ {
		go e.synthesisLoop(ctx, gen, delay)
	}
	go e.playbackLoop(ctx, gen, delay)
}

func (e *Engine) clearLocked() {
	e.seg.reset()
	e.streaming = false
	e.turnOpen = false
	e.nextSeq = 0
	e.texts = nil
	e.inflight = 0
	e.ready = make(map[int]clip)
	e.playSeq = 0
	e.busy = false
	e.shown = ""
	if e.hideTimer != nil {
		e.hideTimer.Stop()
		e.hideTimer = nil
	}
}

func (e *Engine) openTurnLocked() {
	e.turnOpen = true
	if e.hideTimer != nil {
		e.hideTimer.Stop()
		e.hideTimer = nil
	}
}

func (e *Engine) enqueueLocked(text string) {
	e.texts = append(e.texts, segment{seq: e.nextSeq, text: text})
	e.nextSeq++
}

func (e *Engine) drainedLocked() bool {
	return len(e.texts) == 0 && e.inflight == 0 && len(e.ready) == 0 && !e.busy && e.seg.blank()
}

// finishedLocked closes the turn once everything has played, and arms the
// caption linger.
func (e *Engine) finishedLocked() bool {
	if !e.turnOpen || e.streaming || !e.drainedLocked() {
		return false
	}
	e.turnOpen = false
	if e.captions != nil {
		gen := e.gen
		e.hideTimer = time.AfterFunc(e.cfg.CaptionLinger, func() {
			e.mu.Lock()
			stale := e.gen != gen || e.turnOpen
			e.mu.Unlock()
			if !stale {
				e.captions.HideCaption()
			}
		})
	}
	return true
}

func (e *Engine) finish(gen uint64) {
	e.mu.Lock()
	stale := e.gen != gen
	e.mu.Unlock()
	if stale {
		return
	}
	e.playing.Set(false)
	e.setMouth(0)
	if cb := e.events.OnFinished; cb != nil {
		cb()
	}
}

func (e *Engine) synthesisLoop(ctx context.Context, gen uint64, delay time.Duration) {
	defer e.wg.Done()
	if !sleep(ctx, delay) {
		return
	}
	for {
		e.mu.Lock()
		if len(e.texts) == 0 {
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-e.textWake:
			}
			continue
		}
		s := e.texts[0]
		e.texts = e.texts[1:]
		more := len(e.texts) > 0
		e.inflight++
		mapper := e.emotions
		e.mu.Unlock()
		if more {
			wake(e.textWake)
		}

		c := e.synthesize(ctx, s, mapper)

		e.mu.Lock()
		if e.gen != gen {
			e.mu.Unlock()
			return
		}
		e.inflight--
		e.ready[c.seq] = c
		e.mu.Unlock()
		wake(e.audioWake)
	}
}

func (e *Engine) synthesize(ctx context.Context, s segment, mapper EmotionMapper) clip {
	c := clip{seq: s.seq}
	if mapper != nil {
		c.text, c.markers = mapper.Prepare(s.text)
	} else {
		c.text = emotion.StripTags(s.text)
	}
	spoken := Sanitize(s.text)
	if spoken == "" {
		c.failed = true
		return c
	}
	data, err := e.synth.Synthesize(ctx, spoken)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn().Err(err).Int("seq", s.seq).Msg("synthesis failed, skipping segment")
		}
		c.failed = true
		return c
	}
	c.audio = data
	return c
}

func (e *Engine) playbackLoop(ctx context.Context, gen uint64, delay time.Duration) {
	defer e.wg.Done()
	if !sleep(ctx, delay) {
		return
	}
	for {
		e.mu.Lock()
		c, ok := e.ready[e.playSeq]
		if !ok {
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-e.audioWake:
			}
			continue
		}
		delete(e.ready, e.playSeq)
		e.playSeq++
		e.busy = true
		e.mu.Unlock()

		if !c.failed {
			e.play(ctx, gen, c)
		}

		e.mu.Lock()
		if e.gen != gen {
			e.mu.Unlock()
			return
		}
		e.busy = false
		fire := e.finishedLocked()
		e.mu.Unlock()
		if fire {
			e.finish(gen)
		}
	}
}

// play runs one clip to completion: caption reveal, emotion markers and
// mouth level, all stopped by ctx.
func (e *Engine) play(ctx context.Context, gen uint64, c clip) {
	track, err := e.player.Play(ctx, c.audio)
	if err != nil {
		e.log.Warn().Err(err).Int("seq", c.seq).Msg("playback failed, skipping segment")
		return
	}
	e.playing.Set(true)
	if cb := e.events.OnSpeakingStarted; cb != nil {
		cb()
	}

	e.mu.Lock()
	shown := e.shown
	e.mu.Unlock()

	runes := []rune(c.text)
	cue := emotion.NewCue(c.markers, e.cfg.MarkerTolerance)
	reveal := time.NewTicker(e.revealInterval(track.Duration(), len(runes)))
	defer reveal.Stop()
	frames := time.NewTicker(e.cfg.FrameInterval)
	defer frames.Stop()

	cursor := 0
loop:
	for {
		select {
		case <-ctx.Done():
			track.Stop()
			return
		case <-track.Done():
			break loop
		case <-frames.C:
			e.setMouth(e.mouthValue(track.Level()))
		case <-reveal.C:
			if cursor < len(runes) {
				cursor++
				e.caption(shown + string(runes[:cursor]))
			}
			if mk, late, ok := cue.Advance(cursor); ok {
				e.fireMarker(mk, late)
			}
		}
	}

	for _, mk := range cue.Flush() {
		e.fireMarker(mk, true)
	}
	e.setMouth(0)

	e.mu.Lock()
	if e.gen == gen {
		e.shown += c.text
		shown = e.shown
	}
	e.mu.Unlock()
	e.caption(shown)
}

func (e *Engine) fireMarker(mk emotion.Marker, late bool) {
	e.mu.Lock()
	mapper := e.emotions
	e.mu.Unlock()
	if mapper == nil {
		return
	}
	if late {
		e.log.Debug().Str("emotion", mk.Emotion).Int("position", mk.Position).Msg("late emotion marker")
	}
	mapper.Play(mk)
}

func (e *Engine) revealInterval(d time.Duration, chars int) time.Duration {
	if chars == 0 || d <= 0 {
		return e.cfg.MaxRevealInterval
	}
	iv := d / time.Duration(chars)
	if iv < e.cfg.MinRevealInterval {
		return e.cfg.MinRevealInterval
	}
	if iv > e.cfg.MaxRevealInterval {
		return e.cfg.MaxRevealInterval
	}
	return iv
}

func (e *Engine) mouthValue(level float64) float64 {
	if level <= 0 {
		return 0
	}
	v := e.cfg.MouthGain * math.Pow(level, 0.8)
	return math.Min(v, 3)
}

func (e *Engine) setMouth(v float64) {
	if e.mouth != nil {
		e.mouth.SetMouth(v)
	}
}

func (e *Engine) caption(text string) {
	if e.captions != nil {
		e.captions.ShowCaption(e.cfg.CaptionPrefix+text, 0)
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
