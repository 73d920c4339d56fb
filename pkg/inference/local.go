package inference

import (
	"context"
	"errors"

	"github.com/ollama/ollama/api"
)

// errLocalCancelled aborts an in-flight ollama chat stream from inside
// the streaming callback; it never reaches a caller.
var errLocalCancelled = errors.New("inference: local run cancelled")

// LocalRun decodes against a local Ollama model. Cancellation is
// cooperative: the streaming chat callback checks the cancelled flag
// on every chunk and aborts the stream by returning a sentinel error,
// the same per-step probe shape as a stopping-criteria callback.
type LocalRun struct {
	base
	client  *api.Client
	model   string
	options map[string]any
}

// NewLocalRun starts decoding in the background against model via
// client, using fetcher to build the chat history, and returns
// immediately.
func NewLocalRun(id int64, client *api.Client, model string, options map[string]any, fetcher PromptFetcher) *LocalRun {
	r := &LocalRun{base: newBase(id), client: client, model: model, options: options}
	go r.decode(fetcher)
	return r
}

func (r *LocalRun) decode(fetcher PromptFetcher) {
	if r.IsCancelled() {
		r.finish(nil)
		return
	}

	messages := make([]api.Message, 0, 8)
	for _, m := range fetcher() {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := true
	req := &api.ChatRequest{
		Model:    r.model,
		Messages: messages,
		Stream:   &stream,
		Options:  r.options,
	}

	err := r.client.Chat(context.Background(), req, func(resp api.ChatResponse) error {
		if r.IsCancelled() {
			return errLocalCancelled
		}
		r.emitWord(resp.Message.Content)
		return nil
	})
	if errors.Is(err, errLocalCancelled) {
		err = nil
	}
	r.finish(err)
}

// Flush attaches the start/word/end consumer, satisfying Run.
func (r *LocalRun) Flush(onStart func(), onWord func(string), onEnd func()) error {
	return r.flush(onStart, onWord, onEnd)
}

// WaitForFlush satisfies Run.
func (r *LocalRun) WaitForFlush() error { return r.waitForFlush() }

// Cancel satisfies Run. The decode goroutine observes the flag on its
// next streaming callback and stops; there is no synchronous effect.
func (r *LocalRun) Cancel() { r.markCancelled() }
