package tools

import "context"

// Prompter asks the local user a free-form question.
type Prompter interface {
	Ask(ctx context.Context, question string) (string, error)
}

// AskUserTool lets the model ask the user a question. Without a Prompter
// every call fails.
type AskUserTool struct {
	prompter Prompter
}

func NewAskUserTool(p Prompter) *AskUserTool {
	return &AskUserTool{prompter: p}
}

func (t *AskUserTool) Name() string  { return "askUser" }
func (t *AskUserTool) Label() string { return "Ask User" }
func (t *AskUserTool) Description() string {
	return "Asks the user a question and returns their answer. Use only when the task cannot continue without it."
}

func (t *AskUserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string"},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, _ string, params map[string]any, _ ProgressFunc) (Result, error) {
	if t.prompter == nil {
		return Failure("no interactive user is attached"), nil
	}
	answer, err := t.prompter.Ask(ctx, stringParam(params, "question"))
	if err != nil {
		return Result{}, err
	}
	return Success(answer), nil
}
