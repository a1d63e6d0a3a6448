package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m4xw311/agentd/session"
)

// toolCallAccumulator joins streamed tool-call fragments by index until the
// stream ends.
type toolCallAccumulator struct {
	byIndex map[int64]*toolCallState
	order   []int64
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int64]*toolCallState)}
}

func (a *toolCallAccumulator) state(index int64) *toolCallState {
	s, ok := a.byIndex[index]
	if !ok {
		s = &toolCallState{}
		a.byIndex[index] = s
		a.order = append(a.order, index)
	}
	return s
}

// Start records the id and name of the call at index.
func (a *toolCallAccumulator) Start(index int64, id, name string) {
	s := a.state(index)
	if id != "" {
		s.id = id
	}
	if name != "" {
		s.name = name
	}
}

// Append concatenates an argument fragment.
func (a *toolCallAccumulator) Append(index int64, fragment string) {
	if fragment == "" {
		return
	}
	a.state(index).args.WriteString(fragment)
}

// Calls returns the completed batch ordered by index, synthesizing missing
// ids.
func (a *toolCallAccumulator) Calls() []session.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })
	calls := make([]session.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		s := a.byIndex[idx]
		if s.name == "" {
			continue
		}
		args := s.args.String()
		if args == "" {
			args = "{}"
		}
		id := s.id
		if id == "" {
			id = syntheticCallID()
		}
		calls = append(calls, newToolCall(id, s.name, args))
	}
	return calls
}

func newToolCall(id, name, args string) session.ToolCall {
	return session.ToolCall{ID: id, Type: "function", Function: session.FunctionCall{Name: name, Arguments: args}}
}

var callCounter atomic.Int64

// syntheticCallID builds an id from a process-wide increasing index plus
// the current time.
func syntheticCallID() string {
	return fmt.Sprintf("call_%d_%d", callCounter.Add(1), time.Now().UnixNano())
}
