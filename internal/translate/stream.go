package translate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gaoyifan/openai2ollama/internal/api/ollama"
	"github.com/gaoyifan/openai2ollama/internal/api/openai"
)

// ArgumentMode selects the argument text carried by streamed tool calls.
type ArgumentMode string

const (
	// ArgumentsDelta emits only the fragments applied in the current event.
	ArgumentsDelta ArgumentMode = "delta"
	// ArgumentsAccumulated emits everything accumulated so far for the call.
	ArgumentsAccumulated ArgumentMode = "accumulated"
)

// ParseArgumentMode returns the mode named by s. Unknown or empty values
// select ArgumentsDelta.
func ParseArgumentMode(s string) ArgumentMode {
	if ArgumentMode(strings.ToLower(strings.TrimSpace(s))) == ArgumentsAccumulated {
		return ArgumentsAccumulated
	}
	return ArgumentsDelta
}

// defaultDoneReason is reported when the backend stream ends without a
// finish reason.
const defaultDoneReason = "stop"

// State is the lifecycle state of a streaming session.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "open"
}

// StreamTranslator converts backend stream events into client chunks for one
// session. It is not safe for concurrent use.
type StreamTranslator struct {
	model     string
	mode      ArgumentMode
	state     State
	assembler *ToolCallAssembler
	logger    *slog.Logger

	doneReason string
}

// StreamOption configures a StreamTranslator.
type StreamOption func(*StreamTranslator)

// WithArgumentMode sets how streamed tool call arguments are emitted.
func WithArgumentMode(mode ArgumentMode) StreamOption {
	return func(t *StreamTranslator) {
		t.mode = mode
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) StreamOption {
	return func(t *StreamTranslator) {
		t.logger = logger
	}
}

// NewStreamTranslator creates a translator in the open state. model is the
// model name reported on every chunk.
func NewStreamTranslator(model string, opts ...StreamOption) *StreamTranslator {
	t := &StreamTranslator{
		model:     model,
		mode:      ArgumentsDelta,
		state:     StateOpen,
		assembler: NewToolCallAssembler(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current session state.
func (t *StreamTranslator) State() State {
	return t.state
}

// Closed reports whether the done chunk has been produced.
func (t *StreamTranslator) Closed() bool {
	return t.state == StateClosed
}

// DoneReason returns the reason reported on the done chunk, or "" while the
// session is open.
func (t *StreamTranslator) DoneReason() string {
	return t.doneReason
}

// Assembler exposes the session's tool call state.
func (t *StreamTranslator) Assembler() *ToolCallAssembler {
	return t.assembler
}

// Translate converts one backend event into zero or more client chunks, in
// emission order. Events arriving after the session closed produce nothing.
func (t *StreamTranslator) Translate(chunk *openai.ChatCompletionChunk) []*ollama.ChatResponse {
	if t.state == StateClosed || chunk == nil {
		return nil
	}

	choice := chunk.First()
	if choice == nil {
		return nil
	}

	var out []*ollama.ChatResponse

	delta := choice.Delta
	hasContent := delta.Content != nil && *delta.Content != ""
	switch {
	case hasContent:
		if len(delta.ToolCalls) > 0 {
			t.logger.Debug("event carries content and tool calls, tool call fragments not applied",
				"model", t.model,
				"fragments", len(delta.ToolCalls),
			)
		}
		out = append(out, t.chunk(ollama.Message{
			Role:    ollama.RoleAssistant,
			Content: *delta.Content,
		}))
	case len(delta.ToolCalls) > 0:
		out = append(out, t.applyToolCalls(delta.ToolCalls)...)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		out = append(out, t.close(*choice.FinishReason))
	}

	return out
}

// Finish is called when the backend stream ended. It returns the done chunk
// if none has been produced yet, otherwise nil.
func (t *StreamTranslator) Finish() *ollama.ChatResponse {
	if t.state == StateClosed {
		return nil
	}
	return t.close(defaultDoneReason)
}

// Run pulls events until the session closes, the stream ends, the backend
// reports an error or ctx is cancelled. Every produced chunk is passed to
// emit; an emit error aborts the session. No done chunk is produced after a
// backend error or cancellation.
func (t *StreamTranslator) Run(ctx context.Context, events <-chan openai.StreamResult, emit func(*ollama.ChatResponse) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-events:
			if !ok {
				if done := t.Finish(); done != nil {
					return emit(done)
				}
				return nil
			}
			if res.Err != nil {
				t.state = StateClosed
				return res.Err
			}

			for _, c := range t.Translate(res.Chunk) {
				if err := emit(c); err != nil {
					return err
				}
			}
			if t.Closed() {
				return nil
			}
		}
	}
}

func (t *StreamTranslator) applyToolCalls(fragments []openai.ToolCallChunk) []*ollama.ChatResponse {
	var (
		touched []int
		applied = make(map[int]*strings.Builder)
	)
	for _, tc := range fragments {
		f := FragmentFromChunk(tc)
		t.assembler.Apply(f)

		b, seen := applied[f.Index]
		if !seen {
			b = &strings.Builder{}
			applied[f.Index] = b
			touched = append(touched, f.Index)
		}
		if f.Arguments != nil {
			b.WriteString(*f.Arguments)
		}
	}

	out := make([]*ollama.ChatResponse, 0, len(touched))
	for _, idx := range touched {
		var call ollama.ToolCall
		if t.mode == ArgumentsAccumulated {
			call, _ = t.assembler.Representation(idx)
		} else {
			assembled, _ := t.assembler.Get(idx)
			call = streamedToolCall(assembled)
			if args := applied[idx].String(); args != "" {
				call.Function.Arguments = args
			}
		}
		out = append(out, t.chunk(ollama.Message{
			Role:      ollama.RoleAssistant,
			ToolCalls: []ollama.ToolCall{call},
		}))
	}
	return out
}

func (t *StreamTranslator) close(reason string) *ollama.ChatResponse {
	t.state = StateClosed
	t.doneReason = reason

	if t.assembler.Len() > 0 {
		t.logger.Debug("stream tool calls assembled",
			"model", t.model,
			"indices", t.assembler.Indices(),
		)
	}

	done := t.chunk(ollama.Message{Role: ollama.RoleAssistant})
	done.Done = true
	done.DoneReason = reason
	done.Metrics = &ollama.Metrics{}
	return done
}

func (t *StreamTranslator) chunk(msg ollama.Message) *ollama.ChatResponse {
	return &ollama.ChatResponse{
		Model:     t.model,
		CreatedAt: ollama.CreatedAt,
		Message:   msg,
	}
}
