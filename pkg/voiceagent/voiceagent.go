// Package voiceagent assembles the full voice pipeline (component J):
// a live STT connection feeding a ChatBot, whose generated replies
// flow through a sentence segmenter into a TTS stage, all sharing one
// transcript and one interrupt cascade that propagates barge-in from
// the STT stage all the way to the speaker.
package voiceagent

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/inference"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/providers/stt"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/providers/tts"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/segmenter"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/transcript"
)

// Config carries the per-session knobs a caller sets up front; the
// pipeline topology itself (who reads from whom) is fixed by New.
type Config struct {
	BotName         string
	SystemPrompt    string
	CallerSpeaker   string
	Voice           orchestrator.Voice
	Language        orchestrator.Language
	InferOnNewWords bool
	TranscriptLog   io.Writer
}

// Agent owns the wired pipeline for one voice session.
type Agent struct {
	transcript *transcript.Transcript
	live       *stt.LiveTranscriber
	bot        *orchestrator.ChatBot
	segmenter  *segmenter.Segmenter
	tts        *tts.Stage
	audioIn    chan<- []byte
}

// New wires mic audio (pushed via Write) through sttProvider's live
// transcription into a ChatBot backed by controller, then through a
// sentence segmenter into a TTS stage backed by ttsProvider, calling
// onAudio with every synthesized PCM chunk in order.
func New(
	sttProvider orchestrator.StreamingSTTProvider,
	controller *inference.Controller,
	ttsProvider orchestrator.TTSProvider,
	splitter segmenter.SentenceSplitter,
	onAudio func([]byte),
	cfg Config,
) (*Agent, error) {
	tr := transcript.New(cfg.TranscriptLog)
	bot := orchestrator.NewChatBot(cfg.BotName, cfg.SystemPrompt, controller, tr, cfg.InferOnNewWords, nil)
	seg := segmenter.New(splitter)
	ttsStage := tts.NewStage(ttsProvider, cfg.Voice, cfg.Language, onAudio)
	live := stt.NewLiveTranscriber(cfg.CallerSpeaker)

	bot.ReadFrom(live, bot.OnFrame)
	bot.WriteTo(seg)
	seg.WriteTo(ttsStage)

	audioIn, err := sttProvider.StreamTranscribe(context.Background(), cfg.Language, func(text string, isFinal bool) error {
		live.HandleTranscript(strings.Fields(text), isFinal)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Agent{
		transcript: tr,
		live:       live,
		bot:        bot,
		segmenter:  seg,
		tts:        ttsStage,
		audioIn:    audioIn,
	}, nil
}

// Write pushes one PCM chunk of microphone audio into the live STT
// connection.
func (a *Agent) Write(pcm []byte) {
	a.audioIn <- pcm
}

// Transcript returns the session's shared transcript.
func (a *Agent) Transcript() *transcript.Transcript { return a.transcript }

// Interrupt forces a barge-in from outside the pipeline — e.g. a VAD
// detecting speech energy before the STT provider itself reports it.
func (a *Agent) Interrupt() { a.bot.HandleInterrupt() }

// joinTimeout bounds how long Close waits for each stage to drain its
// backlog before moving to the next one in the chain.
const joinTimeout = 2 * time.Second

// Close shuts the pipeline down source-to-sink: closing the live
// transcriber's queue lets it drain into the bot, closing the bot lets
// it drain into the segmenter, and so on, each bounded by joinTimeout
// so a wedged stage can't hang shutdown indefinitely.
func (a *Agent) Close() {
	a.live.Close()
	a.live.Queue().Join(joinTimeout)

	a.bot.Close()
	a.bot.Queue().Join(joinTimeout)

	a.segmenter.CloseInput()
	a.segmenter.Queue().Join(joinTimeout)

	a.tts.Close()
}
