package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/reply"
	"github.com/normanking/cortexcompanion/internal/safety"
	"github.com/normanking/cortexcompanion/internal/synthesis"
	"github.com/normanking/cortexcompanion/internal/transcript"
)

const archiveTimeout = 2 * time.Second

// Animator follows the speaking state. Implementations must not block.
type Animator interface {
	SetTalking(talking bool)
}

// Recorder persists a session's turns. Failures are logged and ignored.
type Recorder interface {
	BeginSession(ctx context.Context) (string, error)
	Record(ctx context.Context, sessionID string, turn transcript.Turn) error
	Flag(ctx context.Context, sessionID, turnID, keyword string) error
	EndSession(ctx context.Context, sessionID string) error
}

// Dependencies are the collaborators driven by the orchestrator. Capture,
// Synthesis and Generator are required.
type Dependencies struct {
	Capture   capture.Adapter
	Synthesis synthesis.Adapter
	Generator reply.Generator
	Animator  Animator
	Bus       *bus.EventBus
	Safety    *safety.Detector
	Recorder  Recorder
}

// turnContext is the bookkeeping for one request/response cycle.
type turnContext struct {
	id        uint64
	cancel    context.CancelFunc
	cancelled bool
}

// Orchestrator serializes capture, reply generation and synthesis into
// conversational turns. All state changes happen on the goroutine running
// Run; adapters and callers reach it through the inbox.
type Orchestrator struct {
	config     Config
	deps       Dependencies
	logger     zerolog.Logger
	transcript *transcript.Transcript

	inbox   *mailbox
	stopped chan struct{}

	stateMu sync.RWMutex
	state   State

	hookMu       sync.Mutex
	onTransition func(from, to Phase)

	// Owned by the Run goroutine.
	ctx               context.Context
	turn              *turnContext
	turnSeq           uint64
	captureSeq        uint64
	captureOpen       bool
	speechSeq         uint64
	stopSpeechCtx     context.CancelFunc
	listenAfterSpeech bool
	sessionID         string
}

// NewOrchestrator creates an orchestrator in the Idle phase.
func NewOrchestrator(config Config, deps Dependencies, logger zerolog.Logger) *Orchestrator {
	if config.ReplyTimeout <= 0 {
		config.ReplyTimeout = DefaultConfig().ReplyTimeout
	}
	return &Orchestrator{
		config:     config,
		deps:       deps,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		transcript: transcript.New(),
		inbox:      newMailbox(),
		stopped:    make(chan struct{}),
		ctx:        context.Background(),
		state:      State{Phase: PhaseIdle, VoiceAvailable: true},
	}
}

// SetTransitionHandler registers a callback invoked on the loop goroutine
// for every phase change.
func (o *Orchestrator) SetTransitionHandler(fn func(from, to Phase)) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.onTransition = fn
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// Transcript returns a copy of the turns recorded so far.
func (o *Orchestrator) Transcript() []transcript.Turn {
	return o.transcript.Snapshot()
}

// Run drives the state machine until ctx is cancelled. Exiting tears the
// session down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	defer close(o.stopped)

	o.logger.Info().Msg("Orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.exitSession()
			for _, msg := range o.inbox.drain() {
				if cmd, ok := msg.(command); ok {
					cmd.done <- ErrNotRunning
				}
			}
			o.logger.Info().Msg("Orchestrator stopped")
			return ctx.Err()
		case <-o.inbox.notify:
			for _, msg := range o.inbox.drain() {
				o.dispatch(msg)
			}
		}
	}
}

// EnterSession starts a voice session: the greeting is spoken, then
// listening begins.
func (o *Orchestrator) EnterSession(ctx context.Context) error {
	return o.do(ctx, cmdEnter)
}

// ExitSession stops capture, cancels synthesis and discards any pending turn.
func (o *Orchestrator) ExitSession(ctx context.Context) error {
	return o.do(ctx, cmdExit)
}

// StartListening opens the microphone when Idle. It is a no-op in any
// other phase.
func (o *Orchestrator) StartListening(ctx context.Context) error {
	return o.do(ctx, cmdStart)
}

// Stop finalizes the current utterance while Listening and cuts playback
// short while Speaking.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.do(ctx, cmdStop)
}

// ToggleListening is the microphone button: it starts listening when Idle
// and ends the utterance (or playback) otherwise.
func (o *Orchestrator) ToggleListening(ctx context.Context) error {
	return o.do(ctx, cmdToggle)
}

// Interrupt abandons a pending reply or current playback and begins a new
// utterance.
func (o *Orchestrator) Interrupt(ctx context.Context) error {
	return o.do(ctx, cmdInterrupt)
}

// ClearTranscript empties the transcript. It fails with ErrTurnInFlight
// unless the session is quiet.
func (o *Orchestrator) ClearTranscript(ctx context.Context) error {
	return o.do(ctx, cmdClear)
}

func (o *Orchestrator) do(ctx context.Context, kind commandKind) error {
	select {
	case <-o.stopped:
		return ErrNotRunning
	default:
	}

	cmd := command{kind: kind, done: make(chan error, 1)}
	o.inbox.post(cmd)

	select {
	case err := <-cmd.done:
		return err
	case <-o.stopped:
		select {
		case err := <-cmd.done:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) dispatch(msg any) {
	switch m := msg.(type) {
	case command:
		m.done <- o.handleCommand(m.kind)
	case captureMsg:
		o.handleCapture(m)
	case replyMsg:
		o.handleReply(m)
	case speechMsg:
		o.handleSpeech(m)
	}
}

func (o *Orchestrator) handleCommand(kind commandKind) error {
	switch kind {
	case cmdEnter:
		return o.enterSession()
	case cmdExit:
		o.exitSession()
		return nil
	case cmdStart:
		return o.startListening()
	case cmdStop:
		return o.stop()
	case cmdToggle:
		return o.toggle()
	case cmdInterrupt:
		return o.interrupt()
	case cmdClear:
		return o.clearTranscript()
	default:
		return fmt.Errorf("unknown command %d", kind)
	}
}

func (o *Orchestrator) enterSession() error {
	if o.state.SessionActive {
		return nil
	}

	o.transcript.Clear()
	o.updateState(func(s *State) {
		s.SessionActive = true
		s.VoiceAvailable = true
		s.Partial = ""
		s.TurnID = 0
	})
	o.beginArchive()
	o.logger.Info().Msg("Voice session entered")

	if greeting := strings.TrimSpace(o.config.Greeting); greeting != "" {
		turn, err := o.transcript.Append(transcript.SpeakerAssistant, greeting)
		if err == nil {
			o.turnAppended(turn)
			o.speak(turn.Text, true)
			return nil
		}
		o.logger.Warn().Err(err).Msg("Greeting not recorded")
	}

	if err := o.startListening(); err != nil && !errors.Is(err, capture.ErrUnsupported) {
		return err
	}
	return nil
}

func (o *Orchestrator) exitSession() {
	wasActive := o.state.SessionActive

	o.closeCapture()
	o.stopSpeech()
	o.cancelTurn()
	o.setPartial("")
	o.setPhase(PhaseIdle)
	o.updateState(func(s *State) { s.SessionActive = false })

	if wasActive {
		o.endArchive()
		o.logger.Info().Int("turns", o.transcript.Len()).Msg("Voice session exited")
	}
}

func (o *Orchestrator) startListening() error {
	if !o.state.SessionActive {
		return ErrSessionInactive
	}
	if o.state.Phase != PhaseIdle || o.turn != nil {
		return nil
	}
	if !o.state.VoiceAvailable {
		return capture.ErrUnsupported
	}
	return o.openCapture()
}

func (o *Orchestrator) stop() error {
	switch o.state.Phase {
	case PhaseListening:
		o.finalize(o.state.Partial)
	case PhaseSpeaking:
		o.stopSpeech()
		o.endTurn()
		o.setPhase(PhaseIdle)
	}
	return nil
}

func (o *Orchestrator) toggle() error {
	switch o.state.Phase {
	case PhaseIdle:
		return o.startListening()
	case PhaseListening:
		if strings.TrimSpace(o.state.Partial) == "" {
			o.closeCapture()
			o.setPhase(PhaseIdle)
			return nil
		}
		return o.stop()
	case PhaseSpeaking:
		return o.stop()
	}
	return nil
}

func (o *Orchestrator) interrupt() error {
	if !o.state.SessionActive {
		return ErrSessionInactive
	}

	switch o.state.Phase {
	case PhaseListening, PhaseFinalizing:
		return nil
	case PhaseAwaitingReply:
		o.cancelTurn()
		o.setPhase(PhaseIdle)
	case PhaseSpeaking:
		o.stopSpeech()
		o.endTurn()
		o.setPhase(PhaseIdle)
	}
	return o.startListening()
}

func (o *Orchestrator) clearTranscript() error {
	if o.turn != nil {
		return ErrTurnInFlight
	}
	switch o.state.Phase {
	case PhaseFinalizing, PhaseAwaitingReply, PhaseSpeaking:
		return ErrTurnInFlight
	}

	o.transcript.Clear()
	o.publish(bus.EventTypeTranscriptCleared, nil)
	return nil
}

// Capture

func (o *Orchestrator) openCapture() error {
	o.captureSeq++
	seq := o.captureSeq

	err := o.deps.Capture.Start(o.ctx, func(ev capture.Event) {
		o.inbox.post(captureMsg{seq: seq, ev: ev})
	})
	if err != nil {
		o.captureFailed(err)
		o.setPhase(PhaseIdle)
		return err
	}

	o.captureOpen = true
	o.setPartial("")
	o.setPhase(PhaseListening)
	return nil
}

func (o *Orchestrator) closeCapture() {
	o.captureSeq++
	if !o.captureOpen {
		return
	}
	o.captureOpen = false
	if err := o.deps.Capture.Stop(); err != nil {
		o.logger.Warn().Err(err).Msg("Capture stop failed")
	}
}

func (o *Orchestrator) captureFailed(err error) {
	if errors.Is(err, capture.ErrUnsupported) {
		o.disableVoice()
		return
	}
	o.logger.Error().Err(err).Msg("Capture failed to start")
	o.notice("capture_failed", "Voice input is not available right now.", err)
}

func (o *Orchestrator) disableVoice() {
	if !o.state.VoiceAvailable {
		return
	}
	o.updateState(func(s *State) { s.VoiceAvailable = false })
	o.logger.Warn().Msg("Speech capture unsupported, voice input disabled")
	o.publish(bus.EventTypeVoiceUnavailable, map[string]any{
		"message": "Speech recognition is not supported on this device.",
	})
}

func (o *Orchestrator) handleCapture(m captureMsg) {
	if m.seq != o.captureSeq || !o.captureOpen || o.state.Phase != PhaseListening {
		o.logger.Debug().Stringer("kind", m.ev.Kind).Msg("Dropping stale capture event")
		return
	}

	switch m.ev.Kind {
	case capture.Partial:
		o.setPartial(m.ev.Text)
	case capture.Final:
		o.finalize(m.ev.Text)
	case capture.End:
		// The recognizer closed on its own; whatever was heard is the utterance.
		o.captureOpen = false
		o.captureSeq++
		if strings.TrimSpace(o.state.Partial) == "" {
			o.setPhase(PhaseIdle)
			return
		}
		o.finalize(o.state.Partial)
	case capture.Unsupported:
		o.closeCapture()
		o.disableVoice()
		o.setPartial("")
		o.setPhase(PhaseIdle)
	}
}

func (o *Orchestrator) finalize(text string) {
	o.setPhase(PhaseFinalizing)

	text = strings.TrimSpace(text)
	if text == "" {
		o.logger.Debug().Err(ErrEmptyUtterance).Msg("Discarding utterance")
		o.setPartial("")
		// A capture session may end once it has delivered a final, so keep
		// listening on a fresh one.
		o.closeCapture()
		_ = o.openCapture()
		return
	}

	// The microphone is released before the reply is requested.
	o.closeCapture()
	o.setPartial("")

	turn, err := o.transcript.Append(transcript.SpeakerUser, text)
	if err != nil {
		o.logger.Error().Err(err).Msg("User turn not recorded")
		o.setPhase(PhaseIdle)
		return
	}
	o.turnAppended(turn)
	o.screen(turn)
	o.requestReply()
}

// Reply

func (o *Orchestrator) requestReply() {
	o.cancelTurn()

	o.turnSeq++
	ctx, cancel := context.WithTimeout(o.ctx, o.config.ReplyTimeout)
	tc := &turnContext{id: o.turnSeq, cancel: cancel}
	o.turn = tc

	// Snapshot now so a later turn can never leak into this request.
	history := o.transcript.History()

	o.updateState(func(s *State) { s.TurnID = tc.id })
	o.setPhase(PhaseAwaitingReply)
	o.logger.Debug().Uint64("turn", tc.id).Int("messages", len(history)).Msg("Requesting reply")

	gen := o.deps.Generator
	go func() {
		result := make(chan replyMsg, 1)
		go func() {
			text, err := gen.Generate(ctx, history)
			result <- replyMsg{turnID: tc.id, text: text, err: err}
		}()

		select {
		case msg := <-result:
			o.inbox.post(msg)
		case <-ctx.Done():
			o.inbox.post(replyMsg{turnID: tc.id, err: ctx.Err()})
		}
	}()
}

func (o *Orchestrator) handleReply(m replyMsg) {
	tc := o.turn
	if tc == nil || tc.id != m.turnID || tc.cancelled || o.state.Phase != PhaseAwaitingReply {
		o.logger.Debug().Uint64("turn", m.turnID).Msg("Discarding stale reply")
		return
	}
	tc.cancel()

	if m.err != nil {
		o.failTurn(m.err)
		return
	}

	turn, err := o.transcript.Append(transcript.SpeakerAssistant, m.text)
	if err != nil {
		o.failTurn(fmt.Errorf("%w: %v", reply.ErrGenerationFailed, err))
		return
	}
	o.turnAppended(turn)
	o.speak(turn.Text, o.config.AutoListen)
}

func (o *Orchestrator) failTurn(err error) {
	o.endTurn()
	o.setPhase(PhaseFailed)

	message := "Failed to get a response. Please try again."
	if errors.Is(err, context.DeadlineExceeded) {
		message = "The response took too long. Please try again."
	}
	o.logger.Error().Err(err).Msg("Reply generation failed")
	o.notice("reply_failed", message, err)

	o.setPhase(PhaseIdle)
	if o.config.ListenAfterFailure {
		_ = o.startListening()
	}
}

func (o *Orchestrator) cancelTurn() {
	if o.turn == nil {
		return
	}
	o.turn.cancelled = true
	o.turn.cancel()
	o.logger.Debug().Uint64("turn", o.turn.id).Msg("Turn cancelled")
	o.endTurn()
}

func (o *Orchestrator) endTurn() {
	o.turn = nil
	o.updateState(func(s *State) { s.TurnID = 0 })
}

// Synthesis

func (o *Orchestrator) speak(text string, listenAfter bool) {
	o.stopSpeech()

	o.speechSeq++
	seq := o.speechSeq
	ctx, cancel := context.WithCancel(o.ctx)
	o.stopSpeechCtx = cancel
	o.listenAfterSpeech = listenAfter

	o.setPhase(PhaseSpeaking)
	done := o.deps.Synthesis.Speak(ctx, text)

	go func() {
		select {
		case err := <-done:
			o.inbox.post(speechMsg{seq: seq, err: err})
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) stopSpeech() {
	o.speechSeq++
	if o.stopSpeechCtx == nil {
		return
	}
	o.deps.Synthesis.Cancel()
	o.stopSpeechCtx()
	o.stopSpeechCtx = nil
}

func (o *Orchestrator) handleSpeech(m speechMsg) {
	if m.seq != o.speechSeq || o.state.Phase != PhaseSpeaking {
		o.logger.Debug().Msg("Dropping stale speech completion")
		return
	}
	if o.stopSpeechCtx != nil {
		o.stopSpeechCtx()
		o.stopSpeechCtx = nil
	}

	if m.err != nil {
		// The text is already in the transcript; carry on as if it was heard.
		o.logger.Warn().Err(m.err).Msg("Speech synthesis failed")
	}

	o.endTurn()
	o.setPhase(PhaseIdle)
	if o.listenAfterSpeech {
		_ = o.startListening()
	}
}

// State and notifications

func (o *Orchestrator) updateState(fn func(*State)) {
	o.stateMu.Lock()
	fn(&o.state)
	o.stateMu.Unlock()
}

func (o *Orchestrator) setPhase(to Phase) {
	from := o.state.Phase
	if from == to {
		return
	}
	o.updateState(func(s *State) { s.Phase = to })
	o.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("Phase transition")

	if o.deps.Animator != nil && (from == PhaseSpeaking || to == PhaseSpeaking) {
		o.deps.Animator.SetTalking(to == PhaseSpeaking)
	}

	o.hookMu.Lock()
	fn := o.onTransition
	o.hookMu.Unlock()
	if fn != nil {
		fn(from, to)
	}

	o.publish(bus.EventTypePhaseChanged, map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}

func (o *Orchestrator) setPartial(text string) {
	if o.state.Partial == text {
		return
	}
	o.updateState(func(s *State) { s.Partial = text })
	o.publish(bus.EventTypePartial, map[string]any{"text": text})
}

func (o *Orchestrator) notice(kind, message string, err error) {
	data := map[string]any{"kind": kind, "message": message}
	if err != nil {
		data["error"] = err.Error()
	}
	o.publish(bus.EventTypeNotice, data)
}

func (o *Orchestrator) publish(eventType bus.EventType, data map[string]any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.PublishSync(bus.Event{Type: eventType, Data: data})
}

func (o *Orchestrator) turnAppended(turn transcript.Turn) {
	o.publish(bus.EventTypeTurnAppended, map[string]any{
		"id":        turn.ID,
		"speaker":   string(turn.Speaker),
		"text":      turn.Text,
		"createdAt": turn.CreatedAt,
	})

	if o.deps.Recorder == nil || o.sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := o.deps.Recorder.Record(ctx, o.sessionID, turn); err != nil {
		o.logger.Warn().Err(err).Str("turn", turn.ID).Msg("Failed to archive turn")
	}
}

// screen runs the local safety check on a user turn. A hit is logged,
// archived and published; the reply path is unchanged.
func (o *Orchestrator) screen(turn transcript.Turn) {
	flag, ok := o.deps.Safety.Check(turn.Text)
	if !ok {
		return
	}

	o.logger.Warn().Str("turn", turn.ID).Str("keyword", flag.Keyword).Msg("Safety phrase detected")
	o.publish(bus.EventTypeSafetyFlagged, map[string]any{
		"turnId":  turn.ID,
		"keyword": flag.Keyword,
	})

	if o.deps.Recorder == nil || o.sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := o.deps.Recorder.Flag(ctx, o.sessionID, turn.ID, flag.Keyword); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to archive safety flag")
	}
}

func (o *Orchestrator) beginArchive() {
	o.sessionID = ""
	if o.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	id, err := o.deps.Recorder.BeginSession(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Transcript archive unavailable for this session")
		return
	}
	o.sessionID = id
}

func (o *Orchestrator) endArchive() {
	if o.deps.Recorder == nil || o.sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if err := o.deps.Recorder.EndSession(ctx, o.sessionID); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to close archived session")
	}
	o.sessionID = ""
}
