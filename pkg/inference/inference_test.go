package inference

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// sseServer serves a canned sequence of chat-completion delta chunks
// as a Server-Sent-Events style stream, pausing between chunks so
// tests can exercise mid-stream cancellation.
func sseServer(t *testing.T, words []string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range words {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n", word)
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		fmt.Fprint(w, "data: [DONE]\n")
		flusher.Flush()
	}))
}

func TestRemoteRunStreamsAndFlushesOnWordBoundary(t *testing.T) {
	srv := sseServer(t, []string{"hello ", "there ", "friend "}, time.Millisecond)
	defer srv.Close()

	var mu sync.Mutex
	var words []string
	done := make(chan struct{})

	run := NewRemoteRun(1, srv.Client(), srv.URL, "key", "model", 1, func() []Message {
		return []Message{{Role: "user", Content: "hi"}}
	})
	run.Flush(nil, func(w string) {
		mu.Lock()
		words = append(words, w)
		mu.Unlock()
	}, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run never finished")
	}

	if err := run.WaitForFlush(); err != nil {
		t.Fatalf("WaitForFlush() = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(words) == 0 {
		t.Fatal("no words flushed")
	}
}

func TestRemoteRunCancelStopsStream(t *testing.T) {
	srv := sseServer(t, []string{"a ", "b ", "c ", "d ", "e "}, 30*time.Millisecond)
	defer srv.Close()

	run := NewRemoteRun(1, srv.Client(), srv.URL, "key", "model", 1, func() []Message {
		return []Message{{Role: "user", Content: "hi"}}
	})

	var endCount int
	var mu sync.Mutex
	done := make(chan struct{})
	run.Flush(nil, func(string) {}, func() {
		mu.Lock()
		endCount++
		mu.Unlock()
		close(done)
	})

	time.Sleep(40 * time.Millisecond)
	run.Cancel()
	run.Cancel() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run never finished after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if endCount != 1 {
		t.Fatalf("onEnd fired %d times, want exactly 1", endCount)
	}
	if !run.IsCancelled() {
		t.Fatal("IsCancelled() = false after Cancel")
	}
}

func TestWaitForFlushWithoutFlushReturnsError(t *testing.T) {
	srv := sseServer(t, []string{"x "}, time.Millisecond)
	defer srv.Close()

	run := NewRemoteRun(1, srv.Client(), srv.URL, "key", "model", 1, func() []Message {
		return []Message{{Role: "user", Content: "hi"}}
	})
	if err := run.WaitForFlush(); err != ErrNoFlush {
		t.Fatalf("WaitForFlush() = %v, want ErrNoFlush", err)
	}
}

func TestFlushTwiceReturnsError(t *testing.T) {
	srv := sseServer(t, []string{"x "}, time.Millisecond)
	defer srv.Close()

	run := NewRemoteRun(1, srv.Client(), srv.URL, "key", "model", 1, func() []Message {
		return []Message{{Role: "user", Content: "hi"}}
	})
	if err := run.Flush(nil, func(string) {}, func() {}); err != nil {
		t.Fatalf("first Flush() = %v", err)
	}
	if err := run.Flush(nil, func(string) {}, func() {}); err != ErrAlreadyFlushed {
		t.Fatalf("second Flush() = %v, want ErrAlreadyFlushed", err)
	}
}

func TestFlushCallsOnStartSynchronously(t *testing.T) {
	srv := sseServer(t, []string{"x "}, time.Millisecond)
	defer srv.Close()

	run := NewRemoteRun(1, srv.Client(), srv.URL, "key", "model", 1, func() []Message {
		return []Message{{Role: "user", Content: "hi"}}
	})

	var started bool
	if err := run.Flush(func() { started = true }, func(string) {}, func() {}); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	if !started {
		t.Fatal("onStart was not called by Flush")
	}
}

func TestControllerCancelsPreviousRunOnGenerate(t *testing.T) {
	var created []*fakeRun
	var mu sync.Mutex
	ctrl := NewController(func(id int64, fetcher PromptFetcher) Run {
		r := &fakeRun{id: id}
		mu.Lock()
		created = append(created, r)
		mu.Unlock()
		return r
	})

	first := ctrl.Generate(func() []Message { return nil }, nil)
	second := ctrl.Generate(func() []Message { return nil }, nil)

	if first == second {
		t.Fatal("Generate returned the same run twice")
	}
	if !first.(*fakeRun).cancelled {
		t.Fatal("first run not cancelled when second started")
	}
	if second.(*fakeRun).cancelled {
		t.Fatal("second run cancelled immediately, should be live")
	}
	if ctrl.Current() != second {
		t.Fatal("Current() did not return the latest run")
	}
}

// fakeRun is a minimal Run for exercising Controller without a real
// backend.
type fakeRun struct {
	id        int64
	cancelled bool
}

func (f *fakeRun) ID() int64 { return f.id }
func (f *fakeRun) Flush(onStart func(), onWord func(string), onEnd func()) error {
	return nil
}
func (f *fakeRun) Cancel()             { f.cancelled = true }
func (f *fakeRun) WaitForFlush() error { return nil }
func (f *fakeRun) IsCancelled() bool   { return f.cancelled }
