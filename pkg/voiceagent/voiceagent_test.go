package voiceagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/inference"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/segmenter"
)

// fakeStreamingSTT lets the test drive transcript callbacks directly,
// bypassing any real audio decoding.
type fakeStreamingSTT struct {
	onTranscript func(string, bool) error
	audioIn      chan []byte
}

func newFakeStreamingSTT() *fakeStreamingSTT {
	return &fakeStreamingSTT{audioIn: make(chan []byte, 8)}
}

func (f *fakeStreamingSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	return "", nil
}
func (f *fakeStreamingSTT) Name() string { return "fake-streaming-stt" }
func (f *fakeStreamingSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(string, bool) error) (chan<- []byte, error) {
	f.onTranscript = onTranscript
	return f.audioIn, nil
}

func (f *fakeStreamingSTT) say(text string, final bool) {
	f.onTranscript(text, final)
}

type fakeRun struct {
	mu      sync.Mutex
	onWord  func(string)
	onEnd   func()
	flushed bool
}

func (r *fakeRun) ID() int64 { return 1 }
func (r *fakeRun) Flush(onStart func(), onWord func(string), onEnd func()) error {
	r.mu.Lock()
	r.flushed = true
	r.onWord = onWord
	r.onEnd = onEnd
	r.mu.Unlock()
	if onStart != nil {
		onStart()
	}
	return nil
}
func (r *fakeRun) Cancel()             {}
func (r *fakeRun) WaitForFlush() error { return nil }
func (r *fakeRun) IsCancelled() bool   { return false }

func (r *fakeRun) say(words ...string) {
	r.mu.Lock()
	onWord, onEnd := r.onWord, r.onEnd
	r.mu.Unlock()
	for _, w := range words {
		onWord(w)
	}
	onEnd()
}

type fakeTTSProvider struct{}

func (fakeTTSProvider) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return []byte(text), nil
}
func (fakeTTSProvider) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	return onChunk([]byte(text))
}
func (fakeTTSProvider) Name() string { return "fake-tts" }

func TestVoiceAgentEndToEndTranscriptToAudio(t *testing.T) {
	sttProvider := newFakeStreamingSTT()

	var run *fakeRun
	var mu sync.Mutex
	ctrl := inference.NewController(func(id int64, fetcher inference.PromptFetcher) inference.Run {
		mu.Lock()
		run = &fakeRun{}
		r := run
		mu.Unlock()
		return r
	})

	var audioMu sync.Mutex
	var audio [][]byte
	agent, err := New(sttProvider, ctrl, fakeTTSProvider{}, segmenter.NewPunctuationSplitter(), func(chunk []byte) {
		audioMu.Lock()
		audio = append(audio, chunk)
		audioMu.Unlock()
	}, Config{
		BotName:       "assistant",
		SystemPrompt:  "be brief",
		CallerSpeaker: "caller-1",
		InferOnNewWords: false,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	sttProvider.say("hello there", true)

	// Wait for the ChatBot to have started a generation run.
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		r := run
		mu.Unlock()
		if r != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no generation run started after SpeechEnd")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	r := run
	mu.Unlock()
	r.say("Hi. ")

	deadline = time.After(time.Second)
	for {
		audioMu.Lock()
		n := len(audio)
		audioMu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no audio produced from generated reply")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if agent.Transcript().CurrentSpeaker() == "" {
		t.Fatal("transcript has no current speaker after a full turn")
	}
}

// TestVoiceAgentProducesAudioForSecondTurnAfterBargeIn guards against a
// barge-in permanently muting the agent: once HandleStart's on-start
// callback clears each stage's interrupted flag, a second turn must
// still reach the TTS stage and produce audio, even though the first
// turn was cut off mid-reply.
func TestVoiceAgentProducesAudioForSecondTurnAfterBargeIn(t *testing.T) {
	sttProvider := newFakeStreamingSTT()

	var mu sync.Mutex
	var runs []*fakeRun
	ctrl := inference.NewController(func(id int64, fetcher inference.PromptFetcher) inference.Run {
		mu.Lock()
		r := &fakeRun{}
		runs = append(runs, r)
		mu.Unlock()
		return r
	})
	latest := func() *fakeRun {
		mu.Lock()
		defer mu.Unlock()
		if len(runs) == 0 {
			return nil
		}
		return runs[len(runs)-1]
	}

	var audioMu sync.Mutex
	var audio [][]byte
	agent, err := New(sttProvider, ctrl, fakeTTSProvider{}, segmenter.NewPunctuationSplitter(), func(chunk []byte) {
		audioMu.Lock()
		audio = append(audio, chunk)
		audioMu.Unlock()
	}, Config{
		BotName:         "assistant",
		SystemPrompt:    "be brief",
		CallerSpeaker:   "caller-1",
		InferOnNewWords: false,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	waitFor := func(cond func() bool, msg string) {
		deadline := time.After(time.Second)
		for {
			if cond() {
				return
			}
			select {
			case <-deadline:
				t.Fatal(msg)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	// First turn: the agent starts replying, then the caller barges in
	// before the reply finishes.
	sttProvider.say("hello there", true)
	waitFor(func() bool { return latest() != nil }, "no generation run started for first turn")
	first := latest()
	first.say("Hi ")
	agent.Interrupt()

	// Second turn: a fresh reply must still reach the TTS stage and
	// produce audio.
	sttProvider.say("are you still there", true)
	waitFor(func() bool { r := latest(); return r != nil && r != first }, "no generation run started for second turn")
	second := latest()
	second.say("Still here. ")

	waitFor(func() bool {
		audioMu.Lock()
		defer audioMu.Unlock()
		return len(audio) > 0
	}, "no audio produced for second turn after barge-in")
}
