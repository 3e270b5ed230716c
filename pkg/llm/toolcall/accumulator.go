// Package toolcall assembles streamed tool-call fragments into complete calls.
//
// Each call moves through three states:
//
//	collecting -> parseable -> dispatched
//
// Arguments are re-parsed after every fragment; a call becomes parseable the
// first time its accumulated arguments decode as a JSON object, and dispatched
// once a consumer has taken it with Next.
package toolcall

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/entrhq/webpilot/pkg/llm"
)

// State is the lifecycle state of a streamed call.
type State int

const (
	StateCollecting State = iota
	StateParseable
	StateDispatched
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateParseable:
		return "parseable"
	case StateDispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

// Call is a fully parsed tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	Raw       string
}

// String returns the named string argument, or "" when absent or not a string.
func (c *Call) String(key string) string {
	if c == nil || c.Arguments == nil {
		return ""
	}
	v, _ := c.Arguments[key].(string)
	return v
}

type entry struct {
	index int
	id    string
	name  string
	args  strings.Builder
	state State
	call  *Call
}

// Accumulator collects ToolCallDelta fragments keyed by their stream index.
// It is not safe for concurrent use; one stream feeds one accumulator.
type Accumulator struct {
	entries map[int]*entry
}

// New creates an empty accumulator.
func New() *Accumulator {
	return &Accumulator{entries: make(map[int]*entry)}
}

// Add appends a fragment and attempts to parse the call it belongs to.
// It returns the call's state after the fragment was applied.
func (a *Accumulator) Add(delta *llm.ToolCallDelta) State {
	if delta == nil {
		return StateCollecting
	}

	e, ok := a.entries[delta.Index]
	if !ok {
		e = &entry{index: delta.Index}
		a.entries[delta.Index] = e
	}

	if e.state == StateDispatched {
		return e.state
	}

	if delta.ID != "" {
		e.id = delta.ID
	}
	if delta.Name != "" {
		e.name = delta.Name
	}
	e.args.WriteString(delta.Arguments)

	a.tryParse(e, false)
	return e.state
}

// Finalize marks the end of the stream. Calls that received a name but no
// arguments become parseable with empty arguments.
func (a *Accumulator) Finalize() {
	for _, e := range a.entries {
		if e.state == StateCollecting {
			a.tryParse(e, true)
		}
	}
}

func (a *Accumulator) tryParse(e *entry, final bool) {
	if e.name == "" {
		return
	}

	raw := strings.TrimSpace(e.args.String())
	if raw == "" {
		if final {
			e.call = &Call{ID: e.id, Name: e.name, Arguments: map[string]interface{}{}}
			e.state = StateParseable
		}
		return
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	e.call = &Call{ID: e.id, Name: e.name, Arguments: args, Raw: raw}
	e.state = StateParseable
}

// Next returns the lowest-indexed parseable call and marks it dispatched.
// A call is returned at most once.
func (a *Accumulator) Next() (*Call, bool) {
	for _, e := range a.sorted() {
		if e.state == StateParseable {
			e.state = StateDispatched
			return e.call, true
		}
	}
	return nil, false
}

// Len returns the number of distinct calls seen.
func (a *Accumulator) Len() int {
	return len(a.entries)
}

func (a *Accumulator) sorted() []*entry {
	out := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}
