package translate

import (
	"strings"

	"github.com/gaoyifan/openai2ollama/internal/api/ollama"
	"github.com/gaoyifan/openai2ollama/internal/api/openai"
)

// ToolCallFragment is one partial tool call delivered by a backend stream
// event.
type ToolCallFragment struct {
	Index int
	// ID is only present on the fragment that opens a call.
	ID   string
	Type string
	// Name is present once per call, typically on the opening fragment.
	Name string
	// Arguments is nil when the fragment carries no argument text.
	Arguments *string
}

// FragmentFromChunk converts a backend tool call delta into a fragment.
func FragmentFromChunk(tc openai.ToolCallChunk) ToolCallFragment {
	f := ToolCallFragment{
		Index: tc.Index,
		ID:    tc.ID,
		Type:  tc.Type,
	}
	if tc.Function != nil {
		f.Name = tc.Function.Name
		f.Arguments = tc.Function.Arguments
	}
	return f
}

// AssembledToolCall is the accumulated state of one call index.
type AssembledToolCall struct {
	Index int
	ID    string
	Type  string
	Name  string

	args strings.Builder
}

// Arguments returns the concatenation of every argument fragment applied
// for this index, in arrival order.
func (c *AssembledToolCall) Arguments() string {
	return c.args.String()
}

// ToolCallAssembler tracks in-progress tool calls of one streaming session,
// keyed by call index. Entries are never removed.
type ToolCallAssembler struct {
	calls map[int]*AssembledToolCall
	order []int
}

// NewToolCallAssembler creates an empty assembler.
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{calls: make(map[int]*AssembledToolCall)}
}

// Apply merges a fragment. The first fragment seen for an index opens the
// call; later fragments append their argument text and fill in a name or
// identifier that was previously unset.
func (a *ToolCallAssembler) Apply(f ToolCallFragment) {
	call, ok := a.calls[f.Index]
	if !ok {
		call = &AssembledToolCall{
			Index: f.Index,
			ID:    f.ID,
			Type:  f.Type,
			Name:  f.Name,
		}
		a.calls[f.Index] = call
		a.order = append(a.order, f.Index)
	} else {
		if call.Name == "" {
			call.Name = f.Name
		}
		if call.ID == "" {
			call.ID = f.ID
		}
		if call.Type == "" {
			call.Type = f.Type
		}
	}

	if f.Arguments != nil {
		call.args.WriteString(*f.Arguments)
	}
}

// Get returns the accumulated call for index.
func (a *ToolCallAssembler) Get(index int) (*AssembledToolCall, bool) {
	call, ok := a.calls[index]
	return call, ok
}

// Indices returns the known call indices in first-seen order.
func (a *ToolCallAssembler) Indices() []int {
	out := make([]int, len(a.order))
	copy(out, a.order)
	return out
}

// Len returns the number of calls opened so far.
func (a *ToolCallAssembler) Len() int {
	return len(a.order)
}

// Representation returns the client-facing tool call for index built from
// whatever has accumulated so far. The argument string is forwarded as-is;
// it is not parsed because it is incomplete until the stream ends.
func (a *ToolCallAssembler) Representation(index int) (ollama.ToolCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return ollama.ToolCall{}, false
	}

	tc := streamedToolCall(call)
	if args := call.Arguments(); args != "" {
		tc.Function.Arguments = args
	}
	return tc, true
}

// Final returns the function name and the accumulated argument string parsed
// as JSON, falling back to the raw string when it does not parse.
func (a *ToolCallAssembler) Final(index int) (ollama.ToolCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return ollama.ToolCall{}, false
	}

	return ollama.ToolCall{
		Function: ollama.ToolFunction{
			Name:      call.Name,
			Arguments: ParseArguments(call.Arguments()),
		},
	}, true
}

// streamedToolCall builds the identifying part of a streamed tool call.
func streamedToolCall(call *AssembledToolCall) ollama.ToolCall {
	index := call.Index
	tc := ollama.ToolCall{
		Index: &index,
		ID:    call.ID,
		Type:  call.Type,
		Function: ollama.ToolFunction{
			Name: call.Name,
		},
	}
	if tc.ID != "" && tc.Type == "" {
		tc.Type = "function"
	}
	return tc
}
