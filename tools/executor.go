package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
)

// ConfirmFunc asks a human whether a dangerous command may run.
type ConfirmFunc func(ctx context.Context, command string) (bool, error)

// UpdateFunc receives a snapshot of a record on every change.
type UpdateFunc func(CallRecord)

// commandTool is implemented by tools that run shell commands so the
// executor can guard them.
type commandTool interface {
	Command(params map[string]any) string
}

// Executor runs tool calls against a Registry.
type Executor struct {
	registry     *Registry
	confirm      ConfirmFunc
	dangerousCmd bool
	hooks        []Hook
	logger       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

type ExecutorOption func(*Executor)

// WithConfirm sets the callback used for dangerous commands.
func WithConfirm(fn ConfirmFunc) ExecutorOption {
	return func(e *Executor) { e.confirm = fn }
}

// WithDangerousCommandCheck toggles confirmation of dangerous commands.
func WithDangerousCommandCheck(enabled bool) ExecutorOption {
	return func(e *Executor) { e.dangerousCmd = enabled }
}

func WithHooks(hooks ...Hook) ExecutorOption {
	return func(e *Executor) { e.hooks = append(e.hooks, hooks...) }
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:     registry,
		dangerousCmd: true,
		logger:       slog.Default(),
		cancels:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs a single call and always returns a result; tool failures are
// reported in the result, never as a panic or error.
func (e *Executor) Execute(ctx context.Context, call session.ToolCall, onUpdate UpdateFunc) Result {
	rec := e.run(ctx, call, onUpdate)
	return *rec.Result
}

// ExecuteAll runs every call concurrently and returns the final records in
// input order once all of them are terminal.
func (e *Executor) ExecuteAll(ctx context.Context, calls []session.ToolCall, onUpdate UpdateFunc) []CallRecord {
	records := make([]CallRecord, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call session.ToolCall) {
			defer wg.Done()
			records[i] = e.run(ctx, call, onUpdate)
		}(i, call)
	}
	wg.Wait()
	return records
}

// Cancel cancels one outstanding call. It reports whether the id was known.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every outstanding call.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, c := range e.cancels {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// tracker serializes updates to one record, including late progress
// reports from a tool that ignored cancellation.
type tracker struct {
	mu       sync.Mutex
	rec      CallRecord
	onUpdate UpdateFunc
	done     bool
}

func (t *tracker) update(fn func(r *CallRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	fn(&t.rec)
	if t.rec.Terminal() {
		t.done = true
	}
	if t.onUpdate != nil {
		t.onUpdate(t.snapshot())
	}
}

func (t *tracker) snapshot() CallRecord {
	out := t.rec
	if t.rec.Result != nil {
		res := *t.rec.Result
		out.Result = &res
	}
	return out
}

func (t *tracker) finish(status string, res Result) CallRecord {
	t.update(func(r *CallRecord) {
		now := time.Now()
		r.Status = status
		r.Result = &res
		r.EndTime = &now
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (e *Executor) run(ctx context.Context, call session.ToolCall, onUpdate UpdateFunc) CallRecord {
	tr := &tracker{
		onUpdate: onUpdate,
		rec: CallRecord{
			ID:        call.ID,
			ToolName:  call.Function.Name,
			ToolLabel: call.Function.Name,
			Status:    StatusPending,
			StartTime: time.Now(),
		},
	}

	// 1. lookup
	tool, ok := e.registry.Get(call.Function.Name)
	if !ok {
		tr.update(func(*CallRecord) {})
		return e.fail(ctx, tr, errors.NewKind(errors.KindToolExecution, "unknown tool '%s'", call.Function.Name))
	}
	tr.rec.ToolLabel = tool.Label()

	// 2. parse arguments
	params, err := parseArguments(call.Function.Arguments)
	if err != nil {
		tr.update(func(*CallRecord) {})
		return e.fail(ctx, tr, errors.WithKind(errors.KindArgumentParse, err,
			"malformed arguments for '%s': %q", call.Function.Name, call.Function.Arguments))
	}
	tr.rec.Params = params
	tr.update(func(*CallRecord) {})

	// 3. schema
	if err := e.registry.ValidateParams(tool.Name(), params); err != nil {
		return e.fail(ctx, tr, err)
	}

	// 4. dangerous command guard
	if ct, ok := tool.(commandTool); ok && e.dangerousCmd {
		command := ct.Command(params)
		if IsDangerousCommand(command) {
			allowed := false
			if e.confirm != nil {
				allowed, err = e.confirm(ctx, command)
				if err != nil {
					e.logger.Warn("confirmation failed", "tool", tool.Name(), "error", err)
					allowed = false
				}
			}
			if !allowed {
				return e.fail(ctx, tr, errors.NewKind(errors.KindDangerousActionRejected, "user cancelled"))
			}
		}
	}

	// 5. cancellation
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if call.ID != "" {
		e.mu.Lock()
		e.cancels[call.ID] = cancel
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, call.ID)
			e.mu.Unlock()
		}()
	}

	// 6. before hooks
	for _, h := range e.hooks {
		if sub, ok := h.BeforeCall(callCtx, tr.snapshot()); ok && sub != nil {
			return e.complete(callCtx, tr, *sub, nil)
		}
	}

	// 7. execute
	tr.update(func(r *CallRecord) { r.Status = StatusRunning })
	progress := func(partial Result) {
		tr.update(func(r *CallRecord) {
			p := partial
			r.Result = &p
		})
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("tool panicked", "tool", tool.Name(), "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		res, err := tool.Execute(callCtx, call.ID, params, progress)
		done <- outcome{res: res, err: err}
	}()

	// 8. record
	select {
	case out := <-done:
		if callCtx.Err() != nil && !out.res.Success {
			return e.cancelled(callCtx, tr)
		}
		return e.complete(callCtx, tr, out.res, out.err)
	case <-callCtx.Done():
		return e.cancelled(callCtx, tr)
	}
}

func (e *Executor) complete(ctx context.Context, tr *tracker, res Result, err error) CallRecord {
	if err != nil {
		return e.fail(ctx, tr, errors.WithKind(errors.KindToolExecution, err, "tool '%s' failed", tr.rec.ToolName))
	}
	if !res.Success {
		rec := tr.finish(StatusError, res)
		e.notifyError(ctx, rec, errors.NewKind(errors.KindToolExecution, "%s", res.Error))
		return rec
	}
	rec := tr.finish(StatusSuccess, res)
	for _, h := range e.hooks {
		h.AfterCall(ctx, rec)
	}
	return rec
}

func (e *Executor) fail(ctx context.Context, tr *tracker, err error) CallRecord {
	rec := tr.finish(StatusError, Result{Success: false, Error: failureText(err)})
	e.notifyError(ctx, rec, err)
	return rec
}

func (e *Executor) cancelled(ctx context.Context, tr *tracker) CallRecord {
	rec := tr.finish(StatusCancelled, Result{Success: false, Error: "cancelled"})
	e.notifyError(ctx, rec, context.Canceled)
	return rec
}

func (e *Executor) notifyError(ctx context.Context, rec CallRecord, err error) {
	e.logger.Warn("tool call failed", "tool", rec.ToolName, "id", rec.ID, "error", err)
	for _, h := range e.hooks {
		h.OnError(ctx, rec, err)
	}
}

// failureText strips the file:line prefixes so the model sees only the
// message.
func failureText(err error) string {
	var ke *errors.KindError
	if errors.As(err, &ke) {
		if ke.Err != nil {
			return fmt.Sprintf("%s: %v", ke.Message, ke.Err)
		}
		return ke.Message
	}
	return err.Error()
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
