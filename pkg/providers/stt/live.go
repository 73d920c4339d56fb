package stt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/synapse-orchestrator/pkg/stage"
)

// LiveTranscriber turns a live STT websocket's running hypothesis
// updates into WordFrame batches and a SpeechEnd sentinel, correcting
// for ASR revisions: a live transcriber routinely takes back words it
// emitted a moment ago as it gets more audio context. Rather than
// silently overwrite already-committed transcript text, a revised word
// span is surfaced as a correction marker so downstream consumers (and
// the transcript log) can see what changed.
//
// Grounded on original_source's Deepgram live-transcript manager: the
// diff walks an identity-length common prefix between the previous and
// current hypothesis, emits the genuinely new tail as-is, and emits
// the discarded tail of the previous hypothesis as a single
// "<!words, iter=N>" marker.
type LiveTranscriber struct {
	*stage.Stage

	speaker string

	mu          sync.Mutex
	uncommitted []string
}

// NewLiveTranscriber returns a transcriber attributing everything it
// emits to speaker (the caller identity in the shared transcript).
func NewLiveTranscriber(speaker string) *LiveTranscriber {
	return &LiveTranscriber{Stage: stage.NewStage(nil), speaker: speaker}
}

// HandleTranscript processes one incremental hypothesis from the live
// STT connection: words is the FULL current hypothesis for the
// in-progress utterance (not just the delta), and isFinal marks the
// end of that utterance (Deepgram's speech_final).
func (l *LiveTranscriber) HandleTranscript(words []string, isFinal bool) {
	l.mu.Lock()
	identity := commonPrefixLen(l.uncommitted, words)
	corrected := append([]string(nil), l.uncommitted[identity:]...)
	fresh := append([]string(nil), words[identity:]...)
	if isFinal {
		l.uncommitted = nil
	} else {
		l.uncommitted = append([]string(nil), words...)
	}
	l.mu.Unlock()

	now := time.Now()
	if len(corrected) > 0 {
		marker := fmt.Sprintf("<!%s, iter=%d>", strings.Join(corrected, " "), identity)
		l.Commit(orchestrator.WordFrame{Words: []string{marker}, Speaker: l.speaker, ArrivalTime: now})
	}
	if len(fresh) > 0 {
		l.Commit(orchestrator.WordFrame{Words: fresh, Speaker: l.speaker, ArrivalTime: now})
	}
	if isFinal {
		l.Commit(stage.SpeechEnd{})
	}
}

// commonPrefixLen returns how many leading elements a and b share.
func commonPrefixLen(a, b []string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
