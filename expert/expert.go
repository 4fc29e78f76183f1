// Package expert implements the per-board AI expert: a typed handler table
// over the LLM gateway and page store, annotation styles, and the registry
// that owns one Expert per board.
package expert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/conversation"
	"github.com/c360studio/studyboard/engine"
	"github.com/c360studio/studyboard/events"
	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/metrics"
)

// PageSource is the page store as the expert sees it.
type PageSource interface {
	PageText(ctx context.Context, filename string, page int) (string, error)
	PageImage(ctx context.Context, filename string, page int) ([]byte, string, error)
	PageCount(ctx context.Context, filename string) (int, error)
	WritePageText(ctx context.Context, filename string, page int, text string) error
}

// BoardSource is the board log as the expert sees it.
type BoardSource interface {
	Load(boardID string) (*boardlog.Record, error)
	UpdatePDFContentSummary(boardID, filename, summary string) error
}

// Deps are the shared collaborators every expert is built from.
type Deps struct {
	Gateway       llm.Gateway
	Pages         PageSource
	Boards        BoardSource
	Conversations *conversation.Store
	Bus           *events.Bus
	Metrics       *metrics.Metrics
	Logger        *slog.Logger

	Engine engine.Config

	// HistoryWindow is how many recent conversation messages accompany
	// each prompt (default 10).
	HistoryWindow int
}

func (d Deps) validate() error {
	switch {
	case d.Gateway == nil:
		return errors.New("expert: gateway is required")
	case d.Pages == nil:
		return errors.New("expert: page source is required")
	case d.Boards == nil:
		return errors.New("expert: board source is required")
	case d.Conversations == nil:
		return errors.New("expert: conversation store is required")
	}
	return nil
}

// Expert is the AI expert of one board.
type Expert struct {
	boardID string
	primary string
	deps    Deps
	logger  *slog.Logger
	engine  *engine.Engine
	history int

	styleMu sync.RWMutex
	style   StyleConfig

	// queryMu serializes process_query turns on the primary session.
	queryMu sync.Mutex
}

// PrimarySessionID is the conversation session of a board's expert.
func PrimarySessionID(boardID string) string {
	return "expert:" + boardID
}

// New builds an expert and starts its task engine. Use Registry.Get
// instead of calling this directly.
func New(boardID string, deps Deps) (*Expert, error) {
	if err := boardlog.ValidateBoardID(boardID); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := deps.HistoryWindow
	if history <= 0 {
		history = 10
	}

	x := &Expert{
		boardID: boardID,
		primary: PrimarySessionID(boardID),
		deps:    deps,
		logger:  logger.With("board_id", boardID),
		history: history,
		style:   StyleConfig{Style: DefaultStyle},
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithConversation(deps.Conversations, x.primary),
		engine.WithDescriber(Describe),
		engine.WithMetrics(deps.Metrics),
	}
	if deps.Bus != nil {
		opts = append(opts, engine.WithPublisher(deps.Bus))
	}
	x.engine = engine.New(boardID, x.dispatch, deps.Engine, opts...)

	deps.Conversations.Pin(x.primary)
	if deps.Conversations.Len(x.primary, boardID) == 0 {
		deps.Conversations.Append(x.primary, boardID, conversation.Message{
			Role:    conversation.RoleSystem,
			Content: SystemPrompt(boardID),
		})
	}
	x.logger.Info("Board expert created", "max_concurrent", x.engine.MaxConcurrent())
	return x, nil
}

// BoardID returns the expert's board.
func (x *Expert) BoardID() string { return x.boardID }

// PrimarySession returns the interactive conversation session id.
func (x *Expert) PrimarySession() string { return x.primary }

// Submit validates and queues a task. It never waits on LLM work.
func (x *Expert) Submit(taskType string, params map[string]any) (*engine.Task, error) {
	if params == nil {
		params = map[string]any{}
	}
	if err := validateTask(taskType, params); err != nil {
		return nil, err
	}
	return x.engine.Submit(taskType, params)
}

// Result returns a terminal task record.
func (x *Expert) Result(taskID string) (*engine.Task, bool) {
	return x.engine.Result(taskID)
}

// Lookup returns a task record in any state.
func (x *Expert) Lookup(taskID string) (*engine.Task, bool) {
	return x.engine.Lookup(taskID)
}

// Cancel cancels a pending or running task; repeated calls are harmless.
func (x *Expert) Cancel(taskID string) (*engine.Task, error) {
	return x.engine.Cancel(taskID)
}

// ListResults returns terminal tasks, newest first.
func (x *Expert) ListResults(limit int) []*engine.Task {
	return x.engine.ListResults(limit)
}

// ConcurrentStatus returns the task engine snapshot.
func (x *Expert) ConcurrentStatus() engine.Snapshot {
	return x.engine.Status()
}

// Subscribe opens an event subscription that starts with a task list
// snapshot.
func (x *Expert) Subscribe() (*events.Subscription, error) {
	if x.deps.Bus == nil {
		return nil, errors.New("expert: no event bus configured")
	}
	var sub *events.Subscription
	x.engine.Observe(func(snap engine.Snapshot) {
		sub = x.deps.Bus.Subscribe(x.boardID, events.Event{
			Type:  events.TaskListUpdate,
			Tasks: snap.Tasks(),
		})
	})
	return sub, nil
}

// ProcessQuery runs one synchronous conversational turn on the primary
// session.
func (x *Expert) ProcessQuery(ctx context.Context, query string) (string, error) {
	if query == "" {
		return "", missing("query")
	}
	x.queryMu.Lock()
	defer x.queryMu.Unlock()

	ctx = llm.WithCallContext(ctx, llm.CallContext{BoardID: x.boardID, TaskType: "process_query"})
	reply, err := x.chat(ctx, x.primary, query, llm.Options{})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// chat sends prompt with the session's recent history, then records both
// turns in that session.
func (x *Expert) chat(ctx context.Context, session, prompt string, opts llm.Options) (string, error) {
	messages := x.historyFor(session)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	reply, err := x.deps.Gateway.TextComplete(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	if llm.ContainsErrorMarker(reply) {
		return "", llm.NewError(llm.KindOther, "completion carried an error message", nil)
	}
	x.deps.Conversations.Append(session, x.boardID,
		conversation.Message{Role: conversation.RoleUser, Content: prompt},
		conversation.Message{Role: conversation.RoleAssistant, Content: reply},
	)
	return reply, nil
}

// historyFor renders a session's recent messages for the gateway, keeping the
// leading system prompt.
func (x *Expert) historyFor(session string) []llm.Message {
	all := x.deps.Conversations.Recent(session, x.boardID, 0)
	out := make([]llm.Message, 0, x.history+2)

	start := 0
	if len(all) > 0 && all[0].Role == conversation.RoleSystem {
		out = append(out, llm.Message{Role: "system", Content: all[0].Content})
		start = 1
	} else {
		out = append(out, llm.Message{Role: "system", Content: SystemPrompt(x.boardID)})
	}
	rest := all[start:]
	if len(rest) > x.history {
		rest = rest[len(rest)-x.history:]
	}
	for _, m := range rest {
		role := string(m.Role)
		if m.Role == conversation.RoleTool {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// vision sends one image with a prompt. Vision calls do not carry history.
func (x *Expert) vision(ctx context.Context, session string, img llm.Image, prompt string, opts llm.Options) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: SystemPrompt(x.boardID)},
		{Role: "user", Content: prompt},
	}
	reply, err := x.deps.Gateway.VisionComplete(ctx, img, messages, opts)
	if err != nil {
		return "", err
	}
	if llm.ContainsErrorMarker(reply) {
		return "", llm.NewError(llm.KindOther, "vision completion carried an error message", nil)
	}
	reply = llm.NormalizeOutput(reply)
	if session != "" {
		x.deps.Conversations.Append(session, x.boardID,
			conversation.Message{Role: conversation.RoleUser, Content: prompt},
			conversation.Message{Role: conversation.RoleAssistant, Content: reply},
		)
	}
	return reply, nil
}

// Close cancels the expert's tasks and releases its subscribers and
// primary session.
func (x *Expert) Close() {
	x.engine.Close()
	if x.deps.Bus != nil {
		x.deps.Bus.CloseBoard(x.boardID)
	}
	x.deps.Conversations.Unpin(x.primary)
	x.logger.Info("Board expert closed")
}

// dispatch is the engine handler: it looks up the typed handler for the
// task and runs it with the task's forked session.
func (x *Expert) dispatch(ctx context.Context, req engine.Request) (*engine.Outcome, error) {
	h, ok := handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, req.Type)
	}
	start := time.Now()
	out, err := h.run(ctx, x, req)
	x.logger.Debug("Handler finished",
		"task_id", req.TaskID,
		"task_type", req.Type,
		"duration", time.Since(start),
		"error", err)
	return out, err
}
