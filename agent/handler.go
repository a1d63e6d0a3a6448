package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/llm"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

// ClientFactory builds the agent loop client for one model.
type ClientFactory func(ctx context.Context, cfg *config.Config, model config.ModelConfig, executor *tools.Executor) (*llm.Client, error)

// Handler runs chat turns: it resolves the session and model, drives the
// streamed tool loop and maps its output onto wire events.
type Handler struct {
	store     session.Store
	newClient ClientFactory
	logger    *slog.Logger

	mu       sync.Mutex
	cfg      *config.Config
	executor *tools.Executor
	clients  map[string]*llm.Client
	// gen counts Reconfigure calls so a client built from a replaced
	// config is not cached.
	gen uint64

	locks sessionLocks
}

type HandlerOption func(*Handler)

func WithClientFactory(f ClientFactory) HandlerOption {
	return func(h *Handler) { h.newClient = f }
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// DefaultClientFactory creates real providers from the model config.
func DefaultClientFactory(opts llm.Options) ClientFactory {
	return func(ctx context.Context, cfg *config.Config, model config.ModelConfig, executor *tools.Executor) (*llm.Client, error) {
		opts := opts
		if opts.CacheExcluded == nil {
			opts.CacheExcluded = cfg.CacheExcludedModels
		}
		return llm.NewClientForModel(ctx, cfg, model, executor, opts)
	}
}

func NewHandler(cfg *config.Config, store session.Store, executor *tools.Executor, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:     store,
		cfg:       cfg,
		executor:  executor,
		clients:   make(map[string]*llm.Client),
		newClient: DefaultClientFactory(llm.Options{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the active configuration.
func (h *Handler) Config() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Handler) Store() session.Store { return h.store }

// Reconfigure swaps configuration and executor and drops cached clients.
// Turns already running keep the values they started with.
func (h *Handler) Reconfigure(cfg *config.Config, executor *tools.Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	if executor != nil {
		h.executor = executor
	}
	h.clients = make(map[string]*llm.Client)
	h.gen++
}

func (h *Handler) snapshot() (*config.Config, *tools.Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg, h.executor
}

// client returns the cached client for model, creating it on first use.
// Providers are built outside the lock; some load credentials.
func (h *Handler) client(ctx context.Context, cfg *config.Config, model config.ModelConfig, executor *tools.Executor) (*llm.Client, error) {
	h.mu.Lock()
	c, ok := h.clients[model.Name]
	gen := h.gen
	h.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := h.newClient(ctx, cfg, model, executor)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return c, nil
	}
	if existing, ok := h.clients[model.Name]; ok {
		return existing, nil
	}
	h.clients[model.Name] = c
	return c, nil
}

// ChatStream runs one turn and emits its events. It returns the error that
// ended the turn; the caller reports it to the client.
func (h *Handler) ChatStream(ctx context.Context, req Request, emit func(Event) error) error {
	if strings.TrimSpace(req.Message) == "" {
		return errors.NewKind(errors.KindTransportRequest, "message is required")
	}
	cfg, executor := h.snapshot()

	if req.SessionID != "" {
		// load under the lock so a turn that just finished is not lost
		unlock := h.locks.lock(req.SessionID)
		defer unlock()
	}
	sess, err := h.loadSession(ctx, req)
	if err != nil {
		return err
	}

	model, err := cfg.ResolveModel(req.Model)
	if err != nil {
		return err
	}
	client, err := h.client(ctx, cfg, model, executor)
	if err != nil {
		return err
	}
	logger := h.logger.With("session", sess.ID, "model", model.Name)

	workspace := req.Workspace
	if workspace == "" {
		workspace = sess.Workspace
	}
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	ctx = tools.WithExecContext(ctx, tools.ExecContext{Workspace: workspace, SessionID: sess.ID})

	turn := []session.Message{session.NewMessage(session.RoleUser, req.Message)}
	history := make([]session.Message, 0, len(sess.Messages)+2)
	if cfg.Agent.SystemPrompt != "" {
		history = append(history, session.NewMessage(session.RoleSystem, cfg.Agent.SystemPrompt))
	}
	history = append(history, sess.Messages...)
	history = append(history, turn...)

	filter := newThinkFilter(req.IncludeThink)
	emitText := func(s string) error {
		if s == "" {
			return nil
		}
		return emit(textEvent(s))
	}

	err = client.ChatStreamWithTools(ctx, history, llm.StreamHandlers{
		OnText: func(s string) error {
			return emitText(filter.Push(s))
		},
		OnToolCalls: func(calls []session.ToolCall, records []tools.CallRecord) error {
			if err := emitText(filter.Flush()); err != nil {
				return err
			}
			assistant := session.NewMessage(session.RoleAssistant, filter.Text())
			assistant.ToolCalls = calls
			turn = append(turn, assistant)
			for i, call := range calls {
				turn = append(turn, llm.ToolMessage(call, records[i]))
			}
			filter.Reset()
			for _, rec := range records {
				if err := emit(toolCallEvent(rec)); err != nil {
					return err
				}
			}
			return nil
		},
		OnUpdate: func(rec tools.CallRecord) {
			logger.Debug("tool call update", "tool", rec.ToolName, "id", rec.ID, "status", rec.Status)
		},
	})
	if err != nil {
		logger.Error("chat turn failed", "error", err)
		return err
	}

	if err := emitText(filter.Flush()); err != nil {
		return err
	}
	if text := filter.Text(); text != "" {
		turn = append(turn, session.NewMessage(session.RoleAssistant, text))
	}
	for _, msg := range turn {
		sess.AddMessage(msg)
	}
	if sess.Workspace == "" {
		sess.Workspace = workspace
	}
	if err := h.store.SaveSession(ctx, sess); err != nil {
		logger.Error("failed to save session", "error", err)
		return err
	}
	logger.Info("chat turn complete", "messages", len(turn))
	return emit(doneEvent(sess))
}

// loadSession returns the requested session, a fresh one bound to an
// unknown but well-formed id, or a newly created one.
func (h *Handler) loadSession(ctx context.Context, req Request) (*session.Session, error) {
	if req.SessionID == "" {
		return h.store.CreateSession(ctx, req.Workspace)
	}
	sess, err := h.store.LoadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	sess = session.New(req.Workspace)
	if _, err := uuid.Parse(req.SessionID); err == nil {
		sess.ID = req.SessionID
	}
	return sess, nil
}

// sessionLocks serializes turns that target the same session.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// MarshalEvent encodes e as one NDJSON line.
func MarshalEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s event", e.Type)
	}
	return append(data, '\n'), nil
}
