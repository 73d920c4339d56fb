package orchestrator

import (
	"strings"
	"time"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/inference"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/stage"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/transcript"
)

// WordFrame is the unit an STT stage commits for one batch of
// transcribed words: the words themselves, the speaker they were
// attributed to, and when they arrived.
type WordFrame struct {
	Words       []string
	Speaker     string
	ArrivalTime time.Time
}

// ChatBot is the pipeline stage that turns transcribed speech into a
// generated reply: it owns the global transcript and the generation
// controller, cancels a stale speculative run the instant new user
// words arrive, and interrupts its own downstream (segmenter, TTS)
// the moment the transcript records that the bot itself stopped being
// the active speaker — i.e. the user started talking over it.
type ChatBot struct {
	*stage.Cascade

	name            string
	systemPrompt    string
	inferOnNewWords bool
	transcript      *transcript.Transcript
	controller      *inference.Controller
	logger          Logger
}

// NewChatBot returns a ChatBot named name (its speaker identity in the
// shared transcript), replying according to systemPrompt. When
// inferOnNewWords is true a speculative generation starts on every new
// word batch rather than only at SpeechEnd, trading wasted decode work
// for lower latency once the user does stop talking.
func NewChatBot(name, systemPrompt string, controller *inference.Controller, tr *transcript.Transcript, inferOnNewWords bool, logger Logger) *ChatBot {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	c := &ChatBot{
		Cascade:         stage.NewCascade(),
		name:            name,
		systemPrompt:    systemPrompt,
		inferOnNewWords: inferOnNewWords,
		transcript:      tr,
		controller:      controller,
		logger:          logger,
	}
	tr.Events().On("speaker_change", c.onSpeakerChange)
	return c
}

// Commit records text to the transcript as this bot's speech before
// pushing it to whatever stage is wired downstream via WriteTo — a
// word or word batch emitted by a generation run, or the AISpeechEnd
// sentinel. Non-string frames (the sentinel) are forwarded without a
// transcript write.
func (c *ChatBot) Commit(frame stage.Frame) {
	if text, ok := frame.(string); ok && text != "" {
		c.transcript.Commit([]string{text}, c.name, true, time.Now())
	}
	c.Cascade.Commit(frame)
}

// OnFrame is the onFrame callback for ReadFrom when wiring an STT
// stage's output into this bot: it handles WordFrame batches and the
// SpeechEnd sentinel exactly as original_source's ChatBot.__call__
// does.
func (c *ChatBot) OnFrame(frame stage.Frame) {
	switch v := frame.(type) {
	case stage.SpeechEnd:
		if !c.inferOnNewWords {
			c.controller.Generate(c.fullContext, nil)
		}
		c.startFlushing()
	case WordFrame:
		if len(v.Words) == 0 || strings.TrimSpace(strings.Join(v.Words, " ")) == "" {
			return
		}
		// A stale speculative run must not finish and flush into this
		// utterance; the user is still talking.
		c.controller.CancelCurrent()
		c.transcript.Commit(v.Words, v.Speaker, false, v.ArrivalTime)
		if c.inferOnNewWords {
			c.controller.Generate(c.fullContext, nil)
		}
	}
}

// startFlushing attaches this bot's start/word/end callbacks to
// whichever run should produce the spoken reply: the live speculative
// run if one exists and isn't already flushed, otherwise a fresh run
// started now. onStart clears this bot's own interrupted flag so a
// prior barge-in doesn't silently mute every later turn.
func (c *ChatBot) startFlushing() {
	if run := c.controller.Current(); run != nil && !run.IsCancelled() {
		if err := run.Flush(c.onStart, c.onWord, c.onRunEnd); err == nil {
			return
		}
	}
	c.controller.Generate(c.fullContext, func(run inference.Run) {
		run.Flush(c.onStart, c.onWord, c.onRunEnd)
	})
}

func (c *ChatBot) onStart() {
	c.HandleStart()
}

func (c *ChatBot) onWord(word string) {
	c.Commit(word)
}

func (c *ChatBot) onRunEnd() {
	c.Commit(stage.AISpeechEnd{})
}

// fullContext prepends the system prompt to the shared transcript,
// producing the message list a generation run decodes against.
func (c *ChatBot) fullContext() []inference.Message {
	turns := c.transcript.Snapshot()
	messages := make([]inference.Message, 0, len(turns)+1)
	messages = append(messages, inference.Message{Role: "system", Content: c.systemPrompt})
	for _, turn := range turns {
		messages = append(messages, inference.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// onSpeakerChange interrupts this bot's own downstream the moment the
// transcript closes a turn that belonged to the bot itself — meaning
// the user started talking over it. Any other transition (user to
// user, user to bot) is not a barge-in and must not trigger it, or the
// bot would interrupt itself every time it starts speaking.
func (c *ChatBot) onSpeakerChange(args ...any) {
	if len(args) == 0 {
		return
	}
	change, ok := args[0].(transcript.SpeakerChange)
	if !ok {
		return
	}
	if change.OldSpeaker == c.name {
		c.HandleInterrupt()
	}
}
