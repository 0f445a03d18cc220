package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	oasis "github.com/oasisflow/core"
)

// StreamSSE reads an SSE stream from body and sends one oasis.StreamItem
// per text delta and per completed tool call to ch, finishing with a
// StreamItemDone (or StreamItemError on failure) item. The channel is
// always closed before returning.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- oasis.StreamItem) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	// Accumulate tool calls across chunks. OpenAI streams tool calls
	// incrementally: each chunk has an index, and arguments arrive as
	// string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			select {
			case ch <- oasis.StreamItem{Kind: oasis.StreamItemText, Text: delta.Content}:
			case <-ctx.Done():
				send(ctx, ch, oasis.StreamItem{Kind: oasis.StreamItemError, Err: ctx.Err()})
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, ch, oasis.StreamItem{Kind: oasis.StreamItemError, Err: err})
		return
	}

	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		send(ctx, ch, oasis.StreamItem{
			Kind: oasis.StreamItemToolCall,
			ToolCall: oasis.ToolCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: args,
			},
		})
	}

	send(ctx, ch, oasis.StreamItem{Kind: oasis.StreamItemDone})
}

func send(ctx context.Context, ch chan<- oasis.StreamItem, item oasis.StreamItem) {
	select {
	case ch <- item:
	case <-ctx.Done():
	}
}
