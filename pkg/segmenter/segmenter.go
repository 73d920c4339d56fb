// Package segmenter turns a character stream from a generation run
// into discrete sentences for a TTS stage, using a pluggable
// sentence-boundary algorithm so the buffering/interrupt-draining
// plumbing doesn't depend on which splitter is wired in.
package segmenter

import (
	"strings"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/stage"
)

// SentenceSplitter is the external sentence-boundary collaborator.
// Feed consumes one character and reports a completed sentence when a
// boundary is crossed. Flush reports whatever partial text remains
// buffered, for use at stream end.
type SentenceSplitter interface {
	Feed(r rune) (sentence string, ok bool)
	Flush() (sentence string, ok bool)
}

// Segmenter is a Cascade stage: its own input is a character queue fed
// one rune (or an AISpeechEnd sentinel) at a time by Push; its output
// queue, inherited from Cascade, carries completed sentences to
// whatever TTS stage is wired downstream via WriteTo.
type Segmenter struct {
	*stage.Cascade
	splitter SentenceSplitter
	chars    *stage.Queue
}

// New returns a segmenter driven by splitter, with its worker already
// running.
func New(splitter SentenceSplitter) *Segmenter {
	s := &Segmenter{
		Cascade:  stage.NewCascade(),
		splitter: splitter,
		chars:    stage.NewQueue(),
	}

	// Interrupting a segmenter must also drain its own character
	// backlog, not just the produced-sentence queue Cascade already
	// clears — otherwise stale characters from a cancelled generation
	// would resume feeding the splitter once it's un-interrupted.
	s.EventHandlers()["interrupt"] = func(args ...any) { s.HandleInterrupt() }

	go s.run()
	return s
}

// discardPartial is queued by HandleInterrupt behind the cleared
// character backlog; the worker drops the splitter's buffered partial
// sentence when it reaches it.
type discardPartial struct{}

// HandleInterrupt drains the character backlog and the splitter's
// buffered partial sentence as well as the produced-sentence queue
// Cascade clears, then re-fires "interrupt" downstream.
func (s *Segmenter) HandleInterrupt() {
	s.chars.Clear()
	s.chars.Commit(discardPartial{})
	s.Cascade.HandleInterrupt()
}

// Push feeds text into the character queue, or enqueues the
// AISpeechEnd sentinel to flush the trailing partial sentence. This is
// the onFrame callback passed to ReadFrom when wiring a generation
// stage's output into the segmenter.
func (s *Segmenter) Push(frame stage.Frame) {
	switch v := frame.(type) {
	case stage.AISpeechEnd:
		s.chars.Commit(v)
	case string:
		for _, r := range v {
			s.chars.Commit(r)
		}
	}
}

// CloseInput closes the character queue, causing the worker to flush
// any trailing partial sentence and close the produced-sentence queue.
func (s *Segmenter) CloseInput() { s.chars.Close() }

// Commit is the Sink half of Segmenter: a producer wiring WriteTo to a
// Segmenter commits text here, which feeds the character queue exactly
// like Push. This shadows the produced-sentence queue's promoted
// Commit so WriteTo composition and direct Push agree on where input
// goes; produced sentences are pushed internally via s.Stage.Commit.
func (s *Segmenter) Commit(frame stage.Frame) { s.Push(frame) }

func (s *Segmenter) run() {
	for {
		frame, ok := s.chars.Next()
		if !ok {
			s.flush()
			s.Close()
			return
		}
		if _, ok := frame.(discardPartial); ok {
			s.splitter.Flush()
			continue
		}
		if s.Interrupted() {
			continue
		}
		switch v := frame.(type) {
		case stage.AISpeechEnd:
			s.flush()
		case rune:
			if sentence, ok := s.splitter.Feed(v); ok && sentence != "" {
				s.Stage.Commit(sentence)
			}
		}
	}
}

func (s *Segmenter) flush() {
	if sentence, ok := s.splitter.Flush(); ok && sentence != "" {
		s.Stage.Commit(sentence)
	}
}

// PunctuationSplitter is a minimal SentenceSplitter that treats '.',
// '!', and '?' as sentence terminators. The pack carries no
// third-party sentence-boundary library, so this stands in for one;
// production splitters (e.g. tokenizer-backed ones) implement the same
// interface.
type PunctuationSplitter struct {
	buf strings.Builder
}

// NewPunctuationSplitter returns an empty splitter.
func NewPunctuationSplitter() *PunctuationSplitter {
	return &PunctuationSplitter{}
}

// Feed implements SentenceSplitter.
func (p *PunctuationSplitter) Feed(r rune) (string, bool) {
	p.buf.WriteRune(r)
	switch r {
	case '.', '!', '?':
		return p.drain()
	default:
		return "", false
	}
}

// Flush implements SentenceSplitter.
func (p *PunctuationSplitter) Flush() (string, bool) {
	return p.drain()
}

func (p *PunctuationSplitter) drain() (string, bool) {
	s := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if s == "" {
		return "", false
	}
	return s, true
}
