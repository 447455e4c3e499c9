// Package translate converts between the Ollama chat API and the OpenAI
// chat-completions protocol.
//
// The package is pure: it performs no I/O and holds no shared state. A
// StreamTranslator (and the ToolCallAssembler it owns) belongs to exactly one
// streaming session.
package translate

import (
	"encoding/json"
	"io"
	"strings"
)

// ParseArguments decodes a tool call's argument string as JSON. When the
// string is not a single valid JSON document the raw string is returned
// unchanged. Numbers are kept as json.Number so re-encoding is lossless.
// A literal null is returned as a raw JSON null so the arguments key is
// still written.
func ParseArguments(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if _, err := dec.Token(); err != io.EOF {
		return raw
	}
	if v == nil {
		return jsonNull
	}
	return v
}

var jsonNull = json.RawMessage("null")
