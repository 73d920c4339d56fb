package tts

import (
	"context"
	"sync"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/stage"
)

// Stage adapts any orchestrator.TTSProvider into the pipeline's Sink
// side: sentences committed from a segmenter are synthesized and
// streamed to onAudio one PCM chunk at a time, in commit order.
// Interrupting the stage cancels whatever synthesis call is in flight
// via context cancellation — the closest a streaming websocket
// synthesis call gets to original_source's CancellableText2SpeechStreamer
// aborting mid-utterance.
type Stage struct {
	*stage.Cascade

	provider orchestrator.TTSProvider
	voice    orchestrator.Voice
	lang     orchestrator.Language
	onAudio  func([]byte)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewStage returns a TTS stage backed by provider, with its worker
// already running.
func NewStage(provider orchestrator.TTSProvider, voice orchestrator.Voice, lang orchestrator.Language, onAudio func([]byte)) *Stage {
	s := &Stage{
		Cascade:  stage.NewCascade(),
		provider: provider,
		voice:    voice,
		lang:     lang,
		onAudio:  onAudio,
	}

	s.EventHandlers()["interrupt"] = func(args ...any) { s.HandleInterrupt() }

	go s.run()
	return s
}

// HandleInterrupt cancels the in-flight synthesis call, then clears the
// sentence backlog and re-fires "interrupt" downstream like any Cascade.
func (s *Stage) HandleInterrupt() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.Cascade.HandleInterrupt()
}

func (s *Stage) run() {
	for {
		frame, ok := s.Next()
		if !ok {
			return
		}
		text, ok := frame.(string)
		if !ok || text == "" || s.Interrupted() {
			continue
		}
		s.synthesize(text)
	}
}

func (s *Stage) synthesize(text string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.provider.StreamSynthesize(ctx, text, s.voice, s.lang, func(chunk []byte) error {
		if s.Interrupted() {
			return context.Canceled
		}
		s.onAudio(chunk)
		return nil
	})
}
