package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// RemoteRun decodes against an OpenAI-compatible streaming chat
// completions endpoint. Cancellation closes the HTTP response body via
// a cancelled context, the streaming analogue of
// pkg/providers/llm.OpenAILLM's one-shot request/response call.
//
// No third-party SSE client appears anywhere in the example pack, so
// the stream is read with stdlib bufio.Scanner over newline-delimited
// "data: {...}" chunks — the same shape OpenAILLM's non-streaming
// sibling already parses the final JSON body of.
type RemoteRun struct {
	base
	client    *http.Client
	url       string
	apiKey    string
	model     string
	flushRate int
	cancel    context.CancelFunc
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// NewRemoteRun starts streaming in the background against an
// OpenAI-compatible chat/completions endpoint at url, and returns
// immediately. flushRate is the number of whitespace-separated words
// buffered before onWord fires, matching original_source's
// word-batching default of three.
func NewRemoteRun(id int64, client *http.Client, url, apiKey, model string, flushRate int, fetcher PromptFetcher) *RemoteRun {
	if flushRate <= 0 {
		flushRate = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RemoteRun{
		base:      newBase(id),
		client:    client,
		url:       url,
		apiKey:    apiKey,
		model:     model,
		flushRate: flushRate,
		cancel:    cancel,
	}
	go r.stream(ctx, fetcher)
	return r
}

func (r *RemoteRun) stream(ctx context.Context, fetcher PromptFetcher) {
	messages := fetcher()

	payload := map[string]any{
		"model":    r.model,
		"messages": messages,
		"stream":   true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		r.finish(err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.url, bytes.NewReader(body))
	if err != nil {
		r.finish(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(nil)
			return
		}
		r.finish(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp any
		json.NewDecoder(resp.Body).Decode(&errResp)
		r.finish(fmt.Errorf("inference: remote run error (status %d): %v", resp.StatusCode, errResp))
		return
	}

	var buffer strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		buffer.WriteString(chunk.Choices[0].Delta.Content)
		if strings.Count(buffer.String(), " ") >= r.flushRate {
			r.emitWord(buffer.String())
			buffer.Reset()
		}
	}
	if buffer.Len() > 0 {
		r.emitWord(buffer.String())
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		r.finish(err)
		return
	}
	r.finish(nil)
}

// Flush satisfies Run.
func (r *RemoteRun) Flush(onStart func(), onWord func(string), onEnd func()) error {
	return r.flush(onStart, onWord, onEnd)
}

// WaitForFlush satisfies Run.
func (r *RemoteRun) WaitForFlush() error { return r.waitForFlush() }

// Cancel satisfies Run, closing the underlying HTTP stream on first
// call.
func (r *RemoteRun) Cancel() {
	if r.markCancelled() {
		r.cancel()
	}
}
