package tools

import "context"

// Hook observes tool calls. BeforeCall may short-circuit a call by
// returning a substitute result and true.
type Hook interface {
	BeforeCall(ctx context.Context, rec CallRecord) (*Result, bool)
	AfterCall(ctx context.Context, rec CallRecord)
	OnError(ctx context.Context, rec CallRecord, err error)
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	Before func(ctx context.Context, rec CallRecord) (*Result, bool)
	After  func(ctx context.Context, rec CallRecord)
	Error  func(ctx context.Context, rec CallRecord, err error)
}

func (h HookFuncs) BeforeCall(ctx context.Context, rec CallRecord) (*Result, bool) {
	if h.Before == nil {
		return nil, false
	}
	return h.Before(ctx, rec)
}

func (h HookFuncs) AfterCall(ctx context.Context, rec CallRecord) {
	if h.After != nil {
		h.After(ctx, rec)
	}
}

func (h HookFuncs) OnError(ctx context.Context, rec CallRecord, err error) {
	if h.Error != nil {
		h.Error(ctx, rec, err)
	}
}

// ApproveFunc asks a human whether a tool call may run.
type ApproveFunc func(ctx context.Context, rec CallRecord) (bool, error)

// ApprovalHook asks before every tool call and answers a declined or
// failed prompt with a "user cancelled" result instead of running the tool.
func ApprovalHook(approve ApproveFunc) Hook {
	return HookFuncs{Before: func(ctx context.Context, rec CallRecord) (*Result, bool) {
		ok, err := approve(ctx, rec)
		if err == nil && ok {
			return nil, false
		}
		res := Failure("user cancelled")
		return &res, true
	}}
}
