package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/martinnss/spik-conversation-service/internal/media"
	"github.com/martinnss/spik-conversation-service/internal/metrics"
	"github.com/martinnss/spik-conversation-service/internal/protocol"
	"github.com/martinnss/spik-conversation-service/internal/signaling"
	"github.com/martinnss/spik-conversation-service/internal/transcript"
)

// State is the connection state of a conversation session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// Fixed product parameters of the realtime session. These are deliberate
// behavior choices, not deployment configuration.
const (
	defaultConnectTimeout = 30 * time.Second
	// Trailing agent audio can still be in flight when the stop event
	// arrives; the microphone stays muted for this guard window.
	feedbackGuardDelay = 200 * time.Millisecond
	// The agent greets the student shortly after the channel is configured.
	greetingDelay = 500 * time.Millisecond

	vadThreshold         = 0.5
	vadPrefixPaddingMs   = 300
	vadSilenceDurationMs = 500
	maxResponseTokens    = 4096
)

// Signaler performs the HTTP handshake legs.
type Signaler interface {
	FetchCredential(ctx context.Context, levelID *int, speakingSpeed float64) (*signaling.SessionConfig, error)
	ExchangeDescriptions(ctx context.Context, localOffer, credential, model string) (string, error)
}

// MediaSession is the peer-connection surface the controller drives.
type MediaSession interface {
	CreateOffer() (string, error)
	ApplyAnswer(answerSDP string) error
	Send(ev protocol.ClientEvent) error
	SetOutboundEnabled(enabled bool)
	WriteAudio(opusFrame []byte, samples uint32) (bool, error)
	Close()
}

// MediaFactory builds a fresh media session for one connection attempt.
type MediaFactory func(cb media.Callbacks) (MediaSession, error)

// Options contains controller tuning. Zero values fall back to the fixed
// product defaults.
type Options struct {
	ConnectTimeout     time.Duration
	GuardDelay         time.Duration
	GreetingDelay      time.Duration
	TranscriptionModel string
	Language           string
}

// Observers receive session updates. All callbacks are invoked outside the
// controller's lock and may be nil.
type Observers struct {
	OnStateChange func(state State)
	OnTranscript  func(entries []transcript.Entry)
	OnError       func(message string)
	OnMute        func(muted bool)
}

// Controller owns one logical conversation session: at most one connection
// attempt at a time, with the previous session torn down before the next one
// starts. All callback paths are serialized through one mutex; stale timer and
// media callbacks are discarded via a per-attempt generation counter.
type Controller struct {
	opts      Options
	observers Observers
	signaler  Signaler
	newMedia  MediaFactory
	store     *transcript.Store
	interp    *Interpreter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	lastError      string
	media          MediaSession
	sessionCfg     *signaling.SessionConfig
	userMuted      bool
	transientMuted bool

	// attempt invalidates in-flight callbacks: it is incremented on every
	// Start and on every terminal settle (failure, timeout, stop), and every
	// async path re-checks it before acting.
	attempt uint64

	timeoutTimer *time.Timer
	guardTimer   *time.Timer
	greetTimer   *time.Timer

	connectStart time.Time
	connectedAt  time.Time
}

// NewController creates a session controller.
func NewController(signaler Signaler, newMedia MediaFactory, opts Options, obs Observers, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.GuardDelay <= 0 {
		opts.GuardDelay = feedbackGuardDelay
	}
	if opts.GreetingDelay <= 0 {
		opts.GreetingDelay = greetingDelay
	}

	c := &Controller{
		opts:      opts,
		observers: obs,
		signaler:  signaler,
		newMedia:  newMedia,
		store:     transcript.NewStore(),
		metrics:   m,
		logger:    logger,
		state:     StateDisconnected,
	}
	c.interp = NewInterpreter(c.store, Hooks{
		AgentAudioStarted: c.agentAudioStarted,
		AgentAudioStopped: c.agentAudioStopped,
		RecoverableError:  c.recoverableError,
		TranscriptChanged: c.transcriptChanged,
	}, m, logger)
	return c
}

// effectiveMute is the half-duplex policy: the microphone is suppressed when
// the user asked for it or while the remote agent is audible.
func effectiveMute(userRequested, transientFeedback bool) bool {
	return userRequested || transientFeedback
}

// Start begins a new connection attempt. It returns immediately after the
// transition to Connecting; progress is reported through the observers. A
// Start while another attempt is connecting is rejected; a Start while
// connected tears the previous session down first.
func (c *Controller) Start(ctx context.Context, levelID *int, speakingSpeed float64) error {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("a connection attempt is already in progress")
	}
	var prior MediaSession
	if c.state == StateConnected {
		prior = c.teardownLocked()
	}

	c.attempt++
	gen := c.attempt
	c.store.Reset()
	c.lastError = ""
	c.transientMuted = false
	c.connectStart = time.Now()
	c.state = StateConnecting
	c.timeoutTimer = time.AfterFunc(c.opts.ConnectTimeout, func() { c.onTimeout(gen) })
	c.mu.Unlock()

	if prior != nil {
		prior.Close()
	}
	if c.metrics != nil {
		c.metrics.RecordSessionStarted()
	}
	c.logger.Info("Starting conversation session",
		slog.Float64("speaking_speed", speakingSpeed),
		slog.Bool("has_level", levelID != nil),
	)
	c.notifyState(StateConnecting)
	c.notifyTranscript()

	go c.connect(ctx, gen, levelID, speakingSpeed)
	return nil
}

// connect runs one connection attempt end to end. Every step re-validates the
// attempt generation so a timeout, failure, or stop that settled in the
// meantime wins.
func (c *Controller) connect(ctx context.Context, gen uint64, levelID *int, speakingSpeed float64) {
	cfg, err := c.signaler.FetchCredential(ctx, levelID, speakingSpeed)
	if err != nil {
		c.fail(gen, err)
		return
	}
	if !c.current(gen) {
		return
	}

	m, err := c.newMedia(media.Callbacks{
		OnMessage: func(data []byte) {
			if c.current(gen) {
				c.interp.Handle(data)
			}
		},
		OnChannelOpen: func() { c.onChannelOpen(gen) },
		OnRemoteAudio: func(track *webrtc.TrackRemote) { c.onRemoteAudio(gen, track) },
		OnICEFailure:  func(cause string) { c.onICEFailure(gen, cause) },
	})
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		m.Close()
		return
	}
	c.media = m
	c.sessionCfg = cfg
	m.SetOutboundEnabled(!effectiveMute(c.userMuted, c.transientMuted))
	c.mu.Unlock()

	offer, err := m.CreateOffer()
	if err != nil {
		c.fail(gen, err)
		return
	}

	answer, err := c.signaler.ExchangeDescriptions(ctx, offer, cfg.Credential, cfg.Model)
	if err != nil {
		c.fail(gen, err)
		return
	}

	if err := m.ApplyAnswer(answer); err != nil {
		c.fail(gen, err)
		return
	}

	c.setConnected(gen)
}

// setConnected settles the attempt as successful. A stale generation or a
// state that already left Connecting (timeout won the race) is a no-op.
func (c *Controller) setConnected(gen uint64) {
	c.mu.Lock()
	if gen != c.attempt || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(&c.timeoutTimer)
	c.state = StateConnected
	c.connectedAt = time.Now()
	setup := c.connectedAt.Sub(c.connectStart)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordSessionConnected(setup.Seconds())
	}
	c.logger.Info("Session connected", slog.Duration("setup_time", setup))
	c.notifyState(StateConnected)
}

// onChannelOpen configures the remote session and schedules the greeting.
// The greeting is armed only once the configuration is actually sent; an
// unconfigured session must not be asked to respond.
func (c *Controller) onChannelOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.attempt || c.media == nil || c.sessionCfg == nil {
		c.mu.Unlock()
		return
	}
	m := c.media
	update := c.buildSessionUpdate(c.sessionCfg)
	c.mu.Unlock()

	if err := m.Send(update); err != nil {
		c.logger.Warn("Failed to send session configuration", slog.String("error", err.Error()))
		return
	}
	if c.metrics != nil {
		c.metrics.RecordEventSent(update.EventType())
	}

	c.mu.Lock()
	if gen == c.attempt {
		c.stopTimerLocked(&c.greetTimer)
		c.greetTimer = time.AfterFunc(c.opts.GreetingDelay, func() { c.sendGreeting(gen) })
	}
	c.mu.Unlock()
}

func (c *Controller) sendGreeting(gen uint64) {
	c.mu.Lock()
	if gen != c.attempt || c.media == nil {
		c.mu.Unlock()
		return
	}
	m := c.media
	c.mu.Unlock()

	greeting := protocol.ResponseCreate{}
	if err := m.Send(greeting); err != nil {
		c.logger.Warn("Failed to request initial greeting", slog.String("error", err.Error()))
		return
	}
	if c.metrics != nil {
		c.metrics.RecordEventSent(greeting.EventType())
	}
}

// buildSessionUpdate assembles the initial session configuration event.
func (c *Controller) buildSessionUpdate(cfg *signaling.SessionConfig) protocol.SessionUpdate {
	return protocol.SessionUpdate{
		Session: protocol.SessionSettings{
			Modalities:        []string{"text", "audio"},
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &protocol.TurnDetection{
				Type:              "server_vad",
				Threshold:         vadThreshold,
				PrefixPaddingMs:   vadPrefixPaddingMs,
				SilenceDurationMs: vadSilenceDurationMs,
				CreateResponse:    true,
			},
			InputAudioTranscription: &protocol.AudioTranscription{
				Model:    c.opts.TranscriptionModel,
				Language: c.opts.Language,
			},
			MaxResponseOutputTokens: maxResponseTokens,
		},
	}
}

// onRemoteAudio drains the remote agent track. The packets themselves are
// played out by the client; here they only feed the activity counter.
func (c *Controller) onRemoteAudio(gen uint64, track *webrtc.TrackRemote) {
	go func() {
		for c.current(gen) {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
			if c.metrics != nil {
				c.metrics.RecordRemoteAudioPacket()
			}
		}
	}()
}

func (c *Controller) onICEFailure(gen uint64, cause string) {
	c.fail(gen, fmt.Errorf("connection lost: %s", cause))
}

// fail settles the attempt as failed, tears the media session down, and
// surfaces a single human-readable message.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		return
	}
	c.attempt++
	c.stopAllTimersLocked()
	m := c.media
	c.media = nil
	c.sessionCfg = nil
	c.transientMuted = false
	c.state = StateFailed
	c.lastError = err.Error()
	c.mu.Unlock()

	if m != nil {
		m.Close()
	}
	if c.metrics != nil {
		c.metrics.RecordSessionFailed()
	}
	c.logger.Error("Session failed", slog.String("error", err.Error()))
	c.notifyState(StateFailed)
	c.notifyError(err.Error())
}

// onTimeout fires when the handshake runs past the connect timeout. A timeout observed
// after the state already left Connecting is a no-op.
func (c *Controller) onTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.attempt || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.attempt++
	c.stopAllTimersLocked()
	m := c.media
	c.media = nil
	c.sessionCfg = nil
	c.state = StateFailed
	c.lastError = fmt.Sprintf("connection timed out after %s", c.opts.ConnectTimeout)
	msg := c.lastError
	c.mu.Unlock()

	if m != nil {
		m.Close()
	}
	if c.metrics != nil {
		c.metrics.RecordSessionTimedOut()
	}
	c.logger.Error("Session connection timed out", slog.Duration("timeout", c.opts.ConnectTimeout))
	c.notifyState(StateFailed)
	c.notifyError(msg)
}

// Stop tears down the session and returns to Disconnected. Safe to call from
// any state, repeatedly.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.attempt++
	c.stopAllTimersLocked()
	m := c.media
	c.media = nil
	c.sessionCfg = nil
	c.transientMuted = false
	wasConnected := c.state == StateConnected
	changed := c.state != StateDisconnected
	var duration time.Duration
	if wasConnected {
		duration = time.Since(c.connectedAt)
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	if m != nil {
		m.Close()
	}
	if wasConnected && c.metrics != nil {
		c.metrics.RecordSessionStopped(duration.Seconds())
	}
	if changed {
		c.logger.Info("Session stopped")
		c.notifyState(StateDisconnected)
	}
}

// SetMuted sets the user-requested mute flag. The transient feedback flag is
// untouched; the outbound gate is recomputed from both.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.userMuted = muted
	c.applyMuteLocked()
	c.mu.Unlock()

	c.notifyMute(muted)
}

// ToggleMute flips the user-requested mute flag.
func (c *Controller) ToggleMute() {
	c.mu.Lock()
	c.userMuted = !c.userMuted
	muted := c.userMuted
	c.applyMuteLocked()
	c.mu.Unlock()

	c.notifyMute(muted)
}

// Muted reports the user-requested mute flag.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userMuted
}

// EffectiveMuted reports whether the outbound track is currently suppressed.
func (c *Controller) EffectiveMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return effectiveMute(c.userMuted, c.transientMuted)
}

func (c *Controller) applyMuteLocked() {
	if c.media != nil {
		c.media.SetOutboundEnabled(!effectiveMute(c.userMuted, c.transientMuted))
	}
}

// agentAudioStarted suppresses the microphone immediately so the agent does
// not hear itself.
func (c *Controller) agentAudioStarted() {
	c.mu.Lock()
	c.stopTimerLocked(&c.guardTimer)
	c.transientMuted = true
	c.applyMuteLocked()
	c.mu.Unlock()
}

// agentAudioStopped clears the feedback mute after the guard delay, unless
// agent audio resumes or the session settles first.
func (c *Controller) agentAudioStopped() {
	c.mu.Lock()
	gen := c.attempt
	c.stopTimerLocked(&c.guardTimer)
	c.guardTimer = time.AfterFunc(c.opts.GuardDelay, func() {
		c.mu.Lock()
		if gen != c.attempt {
			c.mu.Unlock()
			return
		}
		c.transientMuted = false
		c.applyMuteLocked()
		c.mu.Unlock()
	})
	c.mu.Unlock()
}

// recoverableError surfaces a remote error event without terminating the
// session.
func (c *Controller) recoverableError(message string) {
	c.mu.Lock()
	c.lastError = message
	c.mu.Unlock()

	c.notifyError(message)
}

func (c *Controller) transcriptChanged() {
	if c.metrics != nil {
		c.metrics.SetTranscriptEntries(c.store.Len())
	}
	c.notifyTranscript()
}

// SendEvent writes an arbitrary outbound event to the control channel.
func (c *Controller) SendEvent(ev protocol.ClientEvent) error {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()

	if m == nil {
		return fmt.Errorf("no active session")
	}
	if err := m.Send(ev); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordEventSent(ev.EventType())
	}
	return nil
}

// SendText injects a user text message and asks the agent to respond.
func (c *Controller) SendText(text string) error {
	if err := c.SendEvent(protocol.NewUserMessage(text)); err != nil {
		return err
	}
	return c.SendEvent(protocol.ResponseCreate{})
}

// WriteAudio forwards one captured microphone frame to the active session.
// Without a session the frame is silently discarded.
func (c *Controller) WriteAudio(opusFrame []byte, samples uint32) (bool, error) {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()

	if m == nil {
		return false, nil
	}
	return m.WriteAudio(opusFrame, samples)
}

// RequestResponse explicitly asks the agent for a response, used for manual
// evaluation turns.
func (c *Controller) RequestResponse() error {
	return c.SendEvent(protocol.ResponseCreate{})
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent user-visible error message.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Transcript returns the current ordered transcript snapshot.
func (c *Controller) Transcript() []transcript.Entry {
	return c.store.Snapshot()
}

// Status is a point-in-time view of the session for API consumers.
type Status struct {
	State          State              `json:"state"`
	Muted          bool               `json:"muted"`
	EffectiveMuted bool               `json:"effective_muted"`
	LastError      string             `json:"last_error,omitempty"`
	Transcript     []transcript.Entry `json:"transcript"`
}

// Status returns a consistent snapshot of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:          c.state,
		Muted:          c.userMuted,
		EffectiveMuted: effectiveMute(c.userMuted, c.transientMuted),
		LastError:      c.lastError,
	}
	c.mu.Unlock()
	st.Transcript = c.store.Snapshot()
	return st
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.attempt
}

// teardownLocked detaches the current media session without a state
// transition and returns it for the caller to close outside the lock.
func (c *Controller) teardownLocked() MediaSession {
	c.stopAllTimersLocked()
	m := c.media
	c.media = nil
	c.sessionCfg = nil
	c.transientMuted = false
	return m
}

func (c *Controller) stopAllTimersLocked() {
	c.stopTimerLocked(&c.timeoutTimer)
	c.stopTimerLocked(&c.guardTimer)
	c.stopTimerLocked(&c.greetTimer)
}

func (c *Controller) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) notifyState(state State) {
	if c.observers.OnStateChange != nil {
		c.observers.OnStateChange(state)
	}
}

func (c *Controller) notifyTranscript() {
	if c.observers.OnTranscript != nil {
		c.observers.OnTranscript(c.store.Snapshot())
	}
}

func (c *Controller) notifyError(message string) {
	if c.observers.OnError != nil {
		c.observers.OnError(message)
	}
}

func (c *Controller) notifyMute(muted bool) {
	if c.observers.OnMute != nil {
		c.observers.OnMute(muted)
	}
}
