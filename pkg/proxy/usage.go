package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// usageTokens carries the token counts parsed from an upstream response.
type usageTokens struct {
	Prompt     int64
	Completion int64
	Total      int64
}

func (u usageTokens) valid() bool {
	return u.Prompt > 0 || u.Completion > 0 || u.Total > 0
}

// peekModel extracts the top-level "model" field and the "stream" flag from a
// request body. Both peeks are best-effort; any parse failure leaves the
// request untouched.
func peekModel(body []byte) (model string, stream bool) {
	if len(body) == 0 {
		return "", false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	if raw, ok := payload["model"]; ok {
		_ = json.Unmarshal(raw, &model)
	}
	if raw, ok := payload["stream"]; ok {
		_ = json.Unmarshal(raw, &stream)
	}
	return model, stream
}

// injectStreamUsage sets stream_options.include_usage=true in a streaming
// chat request body. Returns the original body on any shape mismatch.
func injectStreamUsage(body []byte) ([]byte, bool) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body, false
	}
	stream, _ := payload["stream"].(bool)
	if !stream {
		return body, false
	}
	opts, _ := payload["stream_options"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	if v, ok := opts["include_usage"].(bool); ok && v {
		return body, false
	}
	opts["include_usage"] = true
	payload["stream_options"] = opts
	out, err := json.Marshal(payload)
	if err != nil {
		return body, false
	}
	return out, true
}

// usageFromJSON pulls usage.{prompt,completion,total}_tokens out of a JSON
// body of arbitrary shape.
func usageFromJSON(body []byte) (usageTokens, bool) {
	var payload struct {
		Usage *struct {
			PromptTokens     *int64 `json:"prompt_tokens"`
			CompletionTokens *int64 `json:"completion_tokens"`
			TotalTokens      *int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Usage == nil {
		return usageTokens{}, false
	}
	u := usageTokens{}
	if payload.Usage.PromptTokens != nil {
		u.Prompt = *payload.Usage.PromptTokens
	}
	if payload.Usage.CompletionTokens != nil {
		u.Completion = *payload.Usage.CompletionTokens
	}
	if payload.Usage.TotalTokens != nil {
		u.Total = *payload.Usage.TotalTokens
	} else if payload.Usage.PromptTokens != nil || payload.Usage.CompletionTokens != nil {
		u.Total = u.Prompt + u.Completion
	}
	if !u.valid() {
		return usageTokens{}, false
	}
	return u, true
}

// sseUsageParser scans a server-sent event stream for the last data: event
// carrying a usage object, typically the one preceding data: [DONE].
type sseUsageParser struct {
	pending []byte
	usage   usageTokens
	found   bool
}

func newSSEUsageParser() *sseUsageParser {
	return &sseUsageParser{pending: make([]byte, 0, 1024)}
}

func (p *sseUsageParser) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.pending = append(p.pending, chunk...)
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(p.pending[:idx]), "\r")
		p.pending = p.pending[idx+1:]
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" || !strings.Contains(data, `"usage"`) {
			continue
		}
		if u, ok := usageFromJSON([]byte(data)); ok {
			p.usage = u
			p.found = true
		}
	}
}

func (p *sseUsageParser) Usage() (usageTokens, bool) {
	return p.usage, p.found
}

// decodeForAccounting undoes a recognized content encoding so a buffered body
// can be parsed for usage. The client-facing bytes are never rewritten.
func decodeForAccounting(body []byte, contentEncoding string) []byte {
	if !strings.Contains(contentEncoding, "gzip") {
		return body
	}
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, 32<<20))
	if err != nil {
		return nil
	}
	return out
}
