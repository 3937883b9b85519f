// Package promptstream turns a streamed chat completion into a prompt list.
//
// The stream is line-delimited: server-sent "data:" events carrying one text
// delta each, terminated by "data: [DONE]". Deltas are appended in order and
// the accumulated text is parsed when the stream ends. Parsing never fails;
// noisy output degrades to a paragraph split.
package promptstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"productshot/internal/domain"
)

// Mode names the parse pass that produced a Result.
type Mode string

const (
	ModeJSON       Mode = "json"
	ModeFenced     Mode = "fenced"
	ModeParagraphs Mode = "paragraphs"
	ModeEmpty      Mode = "empty"
)

const doneSentinel = "[DONE]"

// Result is the outcome of a stream. Raw is the accumulated delta text.
type Result struct {
	Prompts []domain.Prompt
	Raw     string
	Mode    Mode
}

// Consumer accumulates deltas from stream chunks. Chunks may split lines
// anywhere. A Consumer is not safe for concurrent use.
type Consumer struct {
	pending []byte
	text    strings.Builder
	done    bool
	events  int
}

func New() *Consumer {
	return &Consumer{}
}

// Write feeds one chunk of the stream. It never fails; input after the
// sentinel is ignored.
func (c *Consumer) Write(p []byte) (int, error) {
	if c.done {
		return len(p), nil
	}
	c.pending = append(c.pending, p...)
	for !c.done {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		c.line(string(c.pending[:i]))
		c.pending = c.pending[i+1:]
	}
	if c.done {
		c.pending = nil
	}
	return len(p), nil
}

// Done reports whether the sentinel was seen.
func (c *Consumer) Done() bool {
	return c.done
}

// Events reports how many deltas were appended.
func (c *Consumer) Events() int {
	return c.events
}

// Text returns the text accumulated so far.
func (c *Consumer) Text() string {
	return c.text.String()
}

// Finish flushes a trailing unterminated line and parses the text.
func (c *Consumer) Finish() Result {
	if !c.done && len(c.pending) > 0 {
		c.line(string(c.pending))
	}
	c.pending = nil
	return Parse(c.text.String())
}

func (c *Consumer) line(raw string) {
	line := strings.TrimRight(raw, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ":") {
		return
	}

	var value string
	switch {
	case strings.HasPrefix(trimmed, "data:"):
		value = strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	case strings.HasPrefix(trimmed, "event:"), strings.HasPrefix(trimmed, "id:"), strings.HasPrefix(trimmed, "retry:"):
		return
	default:
		// Newline-delimited JSON without the event framing.
		value = trimmed
	}

	if value == doneSentinel {
		c.done = true
		return
	}
	if delta, ok := decodeDelta(value); ok && delta != "" {
		c.text.WriteString(delta)
		c.events++
	}
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
	Text  string          `json:"text"`
	Delta json.RawMessage `json:"delta"`
}

func decodeDelta(value string) (string, bool) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(value), &ev); err != nil {
		return "", false
	}
	var sb strings.Builder
	for _, ch := range ev.Choices {
		sb.WriteString(ch.Delta.Content)
		sb.WriteString(ch.Text)
	}
	if sb.Len() > 0 {
		return sb.String(), true
	}
	if ev.Text != "" {
		return ev.Text, true
	}
	if len(ev.Delta) > 0 {
		var s string
		if err := json.Unmarshal(ev.Delta, &s); err == nil {
			return s, true
		}
		var obj struct {
			Text    string `json:"text"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(ev.Delta, &obj); err == nil {
			return obj.Text + obj.Content, true
		}
	}
	return "", true
}

// Consume reads r until the sentinel or EOF. A read or context error is
// returned next to the result parsed from whatever arrived before it.
func Consume(ctx context.Context, r io.Reader) (Result, error) {
	c := New()
	buf := make([]byte, 4096)
	for !c.Done() {
		if err := ctx.Err(); err != nil {
			return c.Finish(), err
		}
		n, err := r.Read(buf)
		if n > 0 {
			c.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.Finish(), err
		}
	}
	return c.Finish(), nil
}
