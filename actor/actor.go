package actor

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/bus"
	promptctx "github.com/oasisflow/core/context"
	"github.com/oasisflow/core/internal/idgen"
	"github.com/oasisflow/core/registry"
	"github.com/oasisflow/core/store"
)

// Default tuning values. The queue capacity, inactivity timeout and
// heartbeat interval mirror config.Default().Actor; the ping interval
// and history limit have no config counterpart. A composition root may
// override any of these per Actor via SpawnConfig.
const (
	DefaultCommandQueueCapacity = 64
	DefaultInactivityTimeout    = 30 * time.Minute
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultPingInterval         = 12 * time.Second
	DefaultHistoryLimit         = 50
)

// --- Commands ---
//
// Commands are sent on an Actor's command channel by whatever holds its
// registry.Handle (typically an HTTP handler). Pause and Cancel carry an
// optional Ack channel so a caller can wait for the transition to land
// before responding to its own client.

type CmdProcessInteraction struct {
	UserID string
}

type CmdPause struct {
	Reason string
	Ack    chan<- error
}

type CmdCancel struct {
	Reason string
	Ack    chan<- error
}

type CmdPing struct{}

type CmdShutdown struct{}

// interactionResult is what a background turn reports back to run()
// when it finishes, one way or another.
type interactionResult struct {
	gen    uint64
	fatal  bool
	err    error
	cancel bool
}

// SpawnConfig is everything an Actor needs to run one conversation.
// Session.Status is ignored: rehydration always starts an actor at
// Idle, regardless of what was last persisted, per §4.1's rehydration
// rule — only the session's durable fields (model, mode) and its
// message history carry over, never a stale in-flight status.
type SpawnConfig struct {
	Session store.AgentSession
	FileID  string // chat File.ID; the anchor for persisted ChatMessage rows

	Store    store.Store
	Bus      *bus.Bus
	Registry *registry.Registry
	Engine   oasis.LLMEngine
	Tools    *oasis.ToolRegistry

	Persona           string
	TokenBudget       int
	CommandQueueCap   int
	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	HistoryLimit      int

	Logger *slog.Logger
}

// Actor is the per-conversation Chat Actor: a single goroutine running
// a StateMachine, fed by a bounded command queue, and a second,
// per-turn goroutine that streams one interaction at a time.
type Actor struct {
	chatID      string
	workspaceID string
	fileID      string

	store  store.Store
	bus    *bus.Bus
	reg    *registry.Registry
	engine oasis.LLMEngine
	tools  *oasis.ToolRegistry

	persona     string
	mode        oasis.ToolMode
	tokenBudget int
	historyLim  int

	inactivityTimeout time.Duration
	heartbeatInterval time.Duration
	pingInterval      time.Duration

	sm       *StateMachine
	commands chan any
	closed   bool

	// gen guards against a stale interaction's result being applied
	// after a newer one has already started (e.g. after Cancel followed
	// quickly by a fresh ProcessInteraction).
	gen        uint64
	cancelFlag atomic.Bool
	cancelFn   context.CancelFunc
	done       chan interactionResult

	logger *slog.Logger
}

// Spawn starts a new Actor goroutine and returns the registry.Handle
// callers use to send it commands. The caller is responsible for
// registering the handle with cfg.Registry (or for looking one up
// first, per the registry's present/absent contract) before routing
// further traffic to this chat.
func Spawn(cfg SpawnConfig) registry.Handle {
	a := &Actor{
		chatID:            cfg.Session.ChatID,
		workspaceID:       cfg.Session.WorkspaceID,
		fileID:            cfg.FileID,
		store:             cfg.Store,
		bus:               cfg.Bus,
		reg:               cfg.Registry,
		engine:            cfg.Engine,
		tools:             cfg.Tools,
		persona:           cfg.Persona,
		mode:              oasis.ToolMode(cfg.Session.Mode),
		tokenBudget:       nonZero(cfg.TokenBudget, 32000),
		historyLim:        nonZero(cfg.HistoryLimit, DefaultHistoryLimit),
		inactivityTimeout: nonZeroDur(cfg.InactivityTimeout, DefaultInactivityTimeout),
		heartbeatInterval: nonZeroDur(cfg.HeartbeatInterval, DefaultHeartbeatInterval),
		pingInterval:      nonZeroDur(cfg.PingInterval, DefaultPingInterval),
		sm:                NewStateMachine(StateIdle),
		commands:          make(chan any, nonZero(cfg.CommandQueueCap, DefaultCommandQueueCapacity)),
		done:              make(chan interactionResult, 1),
		logger:            loggerOrDefault(cfg.Logger),
	}

	go a.run()
	return registry.NewHandle(a.commands, &a.closed)
}

func nonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func nonZeroDur(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// run is the actor's main loop: it owns the StateMachine and the
// Context Builder's per-turn use, and is the only goroutine that ever
// calls HandleEvent. A turn's streaming work runs on a separate
// goroutine (runInteraction) so that a Cancel command arriving on the
// command channel is observed immediately instead of waiting behind a
// blocking model call in the same select.
func (a *Actor) run() {
	heartbeat := time.NewTicker(a.heartbeatInterval)
	defer heartbeat.Stop()
	ping := time.NewTicker(a.pingInterval)
	defer ping.Stop()
	inactivity := time.NewTimer(a.inactivityTimeout)
	defer inactivity.Stop()

	ctx := context.Background()

	for {
		select {
		case cmd, ok := <-a.commands:
			if !ok {
				a.shutdown()
				return
			}
			resetTimer(inactivity, a.inactivityTimeout)
			if shouldExit := a.handleCommand(ctx, cmd); shouldExit {
				a.shutdown()
				return
			}

		case result := <-a.done:
			if result.gen != a.gen {
				continue // superseded by a later interaction or cancel
			}
			a.finishInteraction(ctx, result)
			if a.sm.State().IsTerminal() {
				a.shutdown()
				return
			}

		case <-heartbeat.C:
			if err := a.store.Touch(ctx, a.chatID, idgen.NowUnix()); err != nil {
				a.logger.Warn("actor: heartbeat persist failed", "chat_id", a.chatID, "err", err)
			}

		case <-ping.C:
			a.bus.Publish(a.chatID, bus.Event{Type: bus.EventPing})

		case <-inactivity.C:
			a.applyEvent(ctx, Event{Kind: EventInactivityTimeout})
			if a.sm.State().IsTerminal() {
				a.shutdown()
				return
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleCommand dispatches one command and reports whether the actor
// should shut down as a result.
func (a *Actor) handleCommand(ctx context.Context, cmd any) bool {
	switch c := cmd.(type) {
	case CmdProcessInteraction:
		_, _, err := a.applyEvent(ctx, Event{Kind: EventProcessInteraction, UserID: c.UserID})
		if err == nil {
			a.startInteraction(ctx, c.UserID)
		}

	case CmdPause:
		_, _, err := a.applyEvent(ctx, Event{Kind: EventPause, Reason: c.Reason})
		ackErr(c.Ack, err)

	case CmdCancel:
		// Signal the running turn's goroutine, if any, before the
		// transition even lands: runInteraction checks this flag
		// between stream items and stops on its own.
		a.cancelFlag.Store(true)
		if a.cancelFn != nil {
			a.cancelFn()
		}
		_, _, err := a.applyEvent(ctx, Event{Kind: EventCancel, Reason: c.Reason})
		ackErr(c.Ack, err)
		return a.sm.State().IsTerminal()

	case CmdPing:
		a.bus.Publish(a.chatID, bus.Event{Type: bus.EventPing})

	case CmdShutdown:
		return true
	}
	return false
}

func ackErr(ack chan<- error, err error) {
	if ack == nil {
		return
	}
	select {
	case ack <- err:
	default:
	}
}

// applyEvent validates and applies ev against the state machine, and
// on success persists the new status and publishes a state_changed
// event. Actions run only after the state has already moved, per
// §4.1's ordering rule.
func (a *Actor) applyEvent(ctx context.Context, ev Event) (State, bool, error) {
	from := a.sm.State()
	to, changed, err := a.sm.HandleEvent(ev)
	if err != nil {
		a.logger.Debug("actor: rejected transition", "chat_id", a.chatID, "from", from, "event", ev.Kind, "err", err)
		return from, false, err
	}
	if changed {
		a.persistStatus(ctx, to)
		a.bus.Publish(a.chatID, bus.Event{
			Type:      bus.EventStateChanged,
			FromState: string(from),
			ToState:   string(to),
			Reason:    ev.Reason,
		})
	}
	return to, changed, nil
}

func (a *Actor) persistStatus(ctx context.Context, s State) {
	session, ok, err := a.store.GetAgentSessionByChatID(ctx, a.chatID)
	if err != nil || !ok {
		a.logger.Warn("actor: could not load session to persist status", "chat_id", a.chatID, "err", err)
		return
	}
	session.Status = store.SessionStatus(s)
	session.UpdatedAt = idgen.NowUnix()
	if s.IsTerminal() {
		now := idgen.NowUnix()
		session.CompletedAt = &now
	}
	if err := a.store.UpdateAgentSession(ctx, session); err != nil {
		a.logger.Warn("actor: failed to persist session status", "chat_id", a.chatID, "err", err)
	}
}

func (a *Actor) shutdown() {
	a.closed = true
	if a.reg != nil {
		a.reg.Evict(a.chatID)
	}
}

// startInteraction launches the background goroutine for one turn. It
// bumps gen so a result from a superseded turn (e.g. one cancelled then
// immediately re-started) is ignored by run's select.
func (a *Actor) startInteraction(ctx context.Context, userID string) {
	a.gen++
	gen := a.gen
	a.cancelFlag.Store(false)
	turnCtx, cancel := context.WithCancel(ctx)
	a.cancelFn = cancel
	go a.runInteraction(turnCtx, gen, userID)
}

// runInteraction implements §4.1's six-step streaming algorithm. It
// runs on its own goroutine, separate from run's command loop, and
// reports its outcome on a.done. It must never touch a.sm directly —
// only run(), reading a.done, is allowed to call HandleEvent.
func (a *Actor) runInteraction(ctx context.Context, gen uint64, userID string) {
	a.logger.Debug("actor: starting interaction", "chat_id", a.chatID, "user_id", userID, "gen", gen)
	reasoningID := idgen.New()

	history, err := a.store.ListMessages(ctx, a.fileID, a.historyLim)
	if err != nil {
		a.done <- interactionResult{gen: gen, fatal: true, err: err}
		return
	}

	prompt, lastUser := a.buildPrompt(history)
	if lastUser == nil {
		a.done <- interactionResult{gen: gen, fatal: true, err: errNoUserMessage}
		return
	}

	messages := []oasis.ChatMessage{oasis.UserMessage(prompt)}
	var toolDefs []oasis.ToolDefinition
	if a.tools != nil {
		toolDefs = a.tools.AllDefinitions()
	}

	var buffered strings.Builder
	cancelled := false

	for {
		if a.cancelFlag.Load() {
			cancelled = true
			break
		}
		items, err := a.engine.StreamChat(ctx, oasis.ChatRequest{Messages: messages, Tools: toolDefs})
		if err != nil {
			if ctx.Err() != nil || a.cancelFlag.Load() {
				cancelled = true
				break
			}
			a.done <- interactionResult{gen: gen, fatal: !isRecoverableErr(err), err: err}
			return
		}

		toolCalled := false
		streamErr := error(nil)

	drain:
		for item := range items {
			if a.cancelFlag.Load() {
				cancelled = true
				break drain
			}

			switch item.Kind {
			case oasis.StreamItemText:
				buffered.WriteString(item.Text)
				a.bus.Publish(a.chatID, bus.Event{Type: bus.EventChunk, Text: item.Text})

			case oasis.StreamItemReasoning:
				a.bus.Publish(a.chatID, bus.Event{Type: bus.EventThought, Text: item.Text})

			case oasis.StreamItemToolCall:
				a.bus.Publish(a.chatID, bus.Event{
					Type:     bus.EventCall,
					ToolName: item.ToolCall.Name,
					ToolArgs: item.ToolCall.Args,
					CallID:   item.ToolCall.ID,
				})
				a.persistToolCall(ctx, reasoningID, item.ToolCall)

				var result oasis.ToolResult
				var toolErr error
				if a.tools != nil {
					result, toolErr = a.tools.ExecuteInMode(ctx, item.ToolCall.Name, item.ToolCall.Args, a.mode)
				} else {
					result = oasis.ToolResult{Error: "no tools registered"}
				}
				success := toolErr == nil && result.Error == ""
				output := result.Content
				if toolErr != nil {
					output = toolErr.Error()
				} else if result.Error != "" {
					output = result.Error
				}
				a.bus.Publish(a.chatID, bus.Event{
					Type:    bus.EventObservation,
					Output:  output,
					Success: &success,
					CallID:  item.ToolCall.ID,
				})
				a.persistToolResult(ctx, reasoningID, item.ToolCall.ID, output, success)

				messages = append(messages,
					oasis.AssistantMessage(buffered.String()),
					oasis.ChatMessage{Role: "assistant", ToolCalls: []oasis.ToolCall{item.ToolCall}},
					oasis.ToolResultMessage(item.ToolCall.ID, output),
				)
				buffered.Reset()
				toolCalled = true

			case oasis.StreamItemError:
				streamErr = item.Err

			case oasis.StreamItemDone:
				// no-op, loop exits when the channel closes
			}
		}

		if cancelled {
			break
		}
		if streamErr != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			a.done <- interactionResult{gen: gen, fatal: !isRecoverableErr(streamErr), err: streamErr}
			return
		}
		if !toolCalled {
			break
		}
		// A tool call fed its result back into messages; loop to let
		// the model continue the turn with that result in context.
	}

	if cancelled {
		a.persistAssistantMessage(ctx, reasoningID, buffered.String(), true)
		a.done <- interactionResult{gen: gen, cancel: true}
		return
	}

	if buffered.Len() > 0 {
		a.persistAssistantMessage(ctx, reasoningID, buffered.String(), false)
	}
	a.bus.Publish(a.chatID, bus.Event{Type: bus.EventDone})
	a.done <- interactionResult{gen: gen}
}

var errNoUserMessage = &noUserMessageError{}

type noUserMessageError struct{}

func (*noUserMessageError) Error() string { return "actor: no user message to respond to" }

// buildPrompt renders the Context Builder's fragments for one turn and
// returns the last user message driving it, or nil if history has
// none (an actor should never be asked to run without one).
func (a *Actor) buildPrompt(history []store.ChatMessage) (string, *store.ChatMessage) {
	b := promptctx.NewBuilder()

	if a.persona != "" {
		b.AddFragment(promptctx.FragmentKey{Kind: promptctx.KindSystemPersona}, promptctx.Fragment{
			Content:     a.persona,
			IsEssential: true,
			Tokens:      promptctx.EstimateTokens(a.persona),
		})
	}

	histText := promptctx.FormatHistoryFragment(history)
	b.AddFragment(promptctx.FragmentKey{Kind: promptctx.KindChatHistory}, promptctx.Fragment{
		Content:  histText,
		Priority: promptctx.PriorityMedium,
		Tokens:   promptctx.EstimateTokens(histText),
	})

	var lastUser *store.ChatMessage
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleUser {
			lastUser = &history[i]
			break
		}
	}
	if lastUser == nil {
		return "", nil
	}

	reqText := lastUser.Content
	if len(lastUser.Metadata.Attachments) > 0 {
		reqText += "\n\nAttached: " + strings.Join(lastUser.Metadata.Attachments, ", ")
	}
	b.AddFragment(promptctx.FragmentKey{Kind: promptctx.KindUserRequest}, promptctx.Fragment{
		Content:     reqText,
		IsEssential: true,
		Tokens:      promptctx.EstimateTokens(reqText),
	})

	b.SortByPosition()
	b.OptimizeForLimit(a.tokenBudget)
	return b.Render(), lastUser
}

func (a *Actor) persistToolCall(ctx context.Context, reasoningID string, tc oasis.ToolCall) {
	a.append(ctx, store.ChatMessage{
		Role: store.RoleAssistant,
		Metadata: store.MessageMetadata{
			MessageType:   store.MessageTypeToolCall,
			ReasoningID:   reasoningID,
			ToolName:      tc.Name,
			ToolArguments: tc.Args,
		},
	})
}

func (a *Actor) persistToolResult(ctx context.Context, reasoningID, callID, output string, success bool) {
	a.append(ctx, store.ChatMessage{
		Role:    store.RoleTool,
		Content: output,
		Metadata: store.MessageMetadata{
			MessageType: store.MessageTypeToolResult,
			ReasoningID: reasoningID,
			ToolOutput:  output,
			ToolSuccess: &success,
		},
	})
	_ = callID // carried on the bus event; not separately persisted
}

func (a *Actor) persistAssistantMessage(ctx context.Context, reasoningID, content string, cancelled bool) {
	if content == "" && !cancelled {
		return
	}
	a.append(ctx, store.ChatMessage{
		Role:    store.RoleAssistant,
		Content: content,
		Metadata: store.MessageMetadata{
			MessageType: store.MessageTypeMessage,
			ReasoningID: reasoningID,
			Cancelled:   cancelled,
		},
	})
}

func (a *Actor) append(ctx context.Context, m store.ChatMessage) {
	m.ID = idgen.New()
	m.FileID = a.fileID
	m.WorkspaceID = a.workspaceID
	m.CreatedAt = idgen.NowUnix()
	if err := a.store.AppendMessage(ctx, m); err != nil {
		a.logger.Warn("actor: failed to append message", "chat_id", a.chatID, "err", err)
	}
}

// finishInteraction is called from run() after a turn's goroutine
// reports in, and is the only place InteractionComplete* events are
// raised — keeping every HandleEvent call on the main loop's goroutine.
func (a *Actor) finishInteraction(ctx context.Context, r interactionResult) {
	switch {
	case r.cancel:
		// Cancel already drove its own transition via the CmdCancel
		// handler; nothing further to apply here.
	case r.err != nil:
		kind := EventInteractionCompleteRecoverable
		if r.fatal {
			kind = EventInteractionCompleteFatal
		}
		a.applyEvent(ctx, Event{Kind: kind, Err: r.err})
		a.bus.Publish(a.chatID, bus.Event{Type: bus.EventError, ErrorMessage: r.err.Error()})
	default:
		a.applyEvent(ctx, Event{Kind: EventInteractionCompleteRecoverable})
	}
}

// isRecoverableErr classifies a stream/provider failure as
// recoverable (the actor returns to Idle and can be asked to try
// again) or fatal (the actor parks in the terminal Error state). The
// branch is chosen by error kind: transient HTTP conditions recover,
// everything else — auth failures, malformed requests, unclassified
// errors — does not.
func isRecoverableErr(err error) bool {
	var httpErr *oasis.ErrHTTP
	if ok := asErrHTTP(err, &httpErr); ok {
		switch httpErr.Status {
		case 429, 503, 504:
			return true
		default:
			return false
		}
	}
	return false
}

func asErrHTTP(err error, target **oasis.ErrHTTP) bool {
	for err != nil {
		if e, ok := err.(*oasis.ErrHTTP); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
