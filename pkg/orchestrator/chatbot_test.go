package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/inference"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/stage"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/transcript"
)

// scriptedRun is a controllable fake inference.Run: onWord/onEnd fire
// only when release() is called, so tests can assert on ChatBot's
// wiring without racing a real backend.
type scriptedRun struct {
	id        int64
	mu        sync.Mutex
	cancelled bool
	flushed   bool
	started   bool
	onWord    func(string)
	onEnd     func()
}

func (r *scriptedRun) ID() int64 { return r.id }

func (r *scriptedRun) Flush(onStart func(), onWord func(string), onEnd func()) error {
	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		return inference.ErrAlreadyFlushed
	}
	r.flushed = true
	r.onWord = onWord
	r.onEnd = onEnd
	r.mu.Unlock()

	if onStart != nil {
		onStart()
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *scriptedRun) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *scriptedRun) WaitForFlush() error { return nil }

func (r *scriptedRun) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *scriptedRun) say(words ...string) {
	r.mu.Lock()
	onWord := r.onWord
	r.mu.Unlock()
	for _, w := range words {
		onWord(w)
	}
}

func (r *scriptedRun) end() {
	r.mu.Lock()
	onEnd := r.onEnd
	r.mu.Unlock()
	onEnd()
}

func newScriptedController() (*inference.Controller, func() *scriptedRun) {
	var mu sync.Mutex
	var runs []*scriptedRun
	ctrl := inference.NewController(func(id int64, fetcher inference.PromptFetcher) inference.Run {
		r := &scriptedRun{id: id}
		mu.Lock()
		runs = append(runs, r)
		mu.Unlock()
		return r
	})
	latest := func() *scriptedRun {
		mu.Lock()
		defer mu.Unlock()
		if len(runs) == 0 {
			return nil
		}
		return runs[len(runs)-1]
	}
	return ctrl, latest
}

func TestChatBotFlushesReplyAfterSpeechEnd(t *testing.T) {
	ctrl, latest := newScriptedController()
	tr := transcript.New(nil)
	bot := NewChatBot("assistant", "be helpful", ctrl, tr, false, nil)

	var mu sync.Mutex
	var out []stage.Frame
	doneCh := make(chan struct{})
	go func() {
		for {
			f, ok := bot.Next()
			if !ok {
				return
			}
			mu.Lock()
			out = append(out, f)
			mu.Unlock()
			if _, ok := f.(stage.AISpeechEnd); ok {
				close(doneCh)
				return
			}
		}
	}()

	bot.OnFrame(WordFrame{Words: []string{"hello"}, Speaker: "caller-1", ArrivalTime: time.Now()})
	bot.OnFrame(stage.SpeechEnd{})

	run := latest()
	if run == nil {
		t.Fatal("no run started at SpeechEnd")
	}
	run.say("hi ", "there ")
	run.end()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("ChatBot never emitted AISpeechEnd")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(out) != 3 {
		t.Fatalf("got %v, want 3 frames (2 words + sentinel)", out)
	}
	if out[0] != "hi " || out[1] != "there " {
		t.Fatalf("got %v", out[:2])
	}
}

func TestChatBotCancelsStaleRunOnNewWords(t *testing.T) {
	ctrl, latest := newScriptedController()
	tr := transcript.New(nil)
	bot := NewChatBot("assistant", "be helpful", ctrl, tr, true, nil)

	bot.OnFrame(WordFrame{Words: []string{"hello"}, Speaker: "caller-1", ArrivalTime: time.Now()})
	first := latest()
	if first == nil {
		t.Fatal("speculative run not started")
	}

	bot.OnFrame(WordFrame{Words: []string{"actually"}, Speaker: "caller-1", ArrivalTime: time.Now()})

	if !first.IsCancelled() {
		t.Fatal("stale speculative run was not cancelled on new words")
	}
}

func TestChatBotSelfInterruptOnlyWhenBotWasSpeaking(t *testing.T) {
	ctrl, _ := newScriptedController()
	tr := transcript.New(nil)
	bot := NewChatBot("assistant", "be helpful", ctrl, tr, false, nil)

	now := time.Now()
	tr.Commit([]string{"hi"}, "caller-1", false, now)
	tr.Commit([]string{"hi there"}, "caller-2", false, now.Add(time.Second))
	if bot.Interrupted() {
		t.Fatal("user-to-user speaker change must not interrupt the bot")
	}

	tr.Commit([]string{"hello"}, "assistant", true, now.Add(2*time.Second))
	tr.Commit([]string{"wait"}, "caller-1", false, now.Add(3*time.Second))
	if !bot.Interrupted() {
		t.Fatal("bot-to-user speaker change (barge-in) should interrupt the bot")
	}
}

func TestChatBotSecondTurnFlushesAfterBargeIn(t *testing.T) {
	ctrl, latest := newScriptedController()
	tr := transcript.New(nil)
	bot := NewChatBot("assistant", "be helpful", ctrl, tr, false, nil)

	var mu sync.Mutex
	var out []stage.Frame
	go func() {
		for {
			f, ok := bot.Next()
			if !ok {
				return
			}
			mu.Lock()
			out = append(out, f)
			mu.Unlock()
		}
	}()

	// First turn: the bot starts replying, then the caller barges in.
	bot.OnFrame(WordFrame{Words: []string{"hello"}, Speaker: "caller-1", ArrivalTime: time.Now()})
	bot.OnFrame(stage.SpeechEnd{})
	first := latest()
	if first == nil {
		t.Fatal("no run started for first turn")
	}
	first.say("hi ")
	bot.HandleInterrupt()
	if !bot.Interrupted() {
		t.Fatal("HandleInterrupt did not set the interrupted flag")
	}

	// Second turn: a fresh generation must still flush and must clear
	// the interrupted flag via its on-start callback, or every turn
	// after a barge-in would be silently dropped downstream.
	bot.OnFrame(WordFrame{Words: []string{"are you there"}, Speaker: "caller-1", ArrivalTime: time.Now()})
	bot.OnFrame(stage.SpeechEnd{})
	second := latest()
	if second == nil || second == first {
		t.Fatal("no new run started for second turn")
	}
	second.say("still here ")
	second.end()

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(out)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second turn produced no output after barge-in")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if bot.Interrupted() {
		t.Fatal("starting the second turn's run should have cleared the interrupted flag")
	}
}

func TestChatBotEmptyWordsAreDropped(t *testing.T) {
	ctrl, latest := newScriptedController()
	tr := transcript.New(nil)
	bot := NewChatBot("assistant", "be helpful", ctrl, tr, true, nil)

	bot.OnFrame(WordFrame{Words: []string{"  "}, Speaker: "caller-1", ArrivalTime: time.Now()})
	if latest() != nil {
		t.Fatal("blank word batch should not start a generation run")
	}
	if tr.CurrentSpeaker() != "" {
		t.Fatal("blank word batch should not be committed to the transcript")
	}
}
