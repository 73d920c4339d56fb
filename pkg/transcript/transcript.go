// Package transcript maintains the single running conversation record
// shared by every speaker in a voice session: a committed history of
// closed turns plus one open turn accumulating the current speaker's
// words, with speaker-to-role classification resolved once per speaker
// and a speaker_change event fired at each turn boundary.
package transcript

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/synapse-orchestrator/pkg/stage"
)

// Turn is one closed or currently-open entry in the transcript. ID is
// assigned once, when the turn opens, and stays with it through
// Snapshot regardless of how many words it later accumulates.
type Turn struct {
	ID      string
	Role    string
	Content string
}

// SpeakerChange describes a turn boundary: the speaker (and its
// resolved role) that just closed, and the one that just opened.
type SpeakerChange struct {
	OldSpeaker     string
	OldSpeakerType string
	NewSpeaker     string
	NewSpeakerType string
	Elapsed        time.Duration
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Transcript is the global, speaker-attributed conversation record.
// Role classification is sticky: the first frame seen for a given
// speaker decides its role ("assistant" only if committed with isAI,
// "user" otherwise); later frames for that speaker never reclassify
// it, matching a live captioning system where a channel doesn't switch
// identity mid-conversation.
type Transcript struct {
	mu sync.Mutex

	sessionID    string
	bus          *stage.EventBus
	past         []Turn
	currentText  strings.Builder
	current      string // current speaker, "" if none committed yet
	currentID    string // id of the open turn, "" if none committed yet
	speakerRoles map[string]string
	lastCommit   time.Time
	log          io.Writer
}

// New returns an empty transcript, tagged with a fresh session ID. log,
// if non-nil, receives one line per committed word batch — the
// optional file sink original_source keeps alongside the in-memory
// record.
func New(log io.Writer) *Transcript {
	return &Transcript{
		sessionID:    uuid.NewString(),
		bus:          stage.NewEventBus(),
		speakerRoles: make(map[string]string),
		log:          log,
	}
}

// SessionID identifies this transcript instance across log lines and
// downstream events.
func (t *Transcript) SessionID() string { return t.sessionID }

// Events returns the bus speaker_change fires on.
func (t *Transcript) Events() *stage.EventBus { return t.bus }

// Commit attributes words to speaker, closing the previous speaker's
// turn and firing speaker_change if speaker differs from the currently
// open one. isAI decides the role assigned the FIRST time speaker is
// seen; it is ignored on every later call for that same speaker.
func (t *Transcript) Commit(words []string, speaker string, isAI bool, arrivalTime time.Time) {
	if speaker == "" {
		return
	}

	t.mu.Lock()
	role, seen := t.speakerRoles[speaker]
	if !seen {
		role = RoleUser
		if isAI {
			role = RoleAssistant
		}
		t.speakerRoles[speaker] = role
	}

	var change *SpeakerChange
	if speaker != t.current {
		change = t.transitionLocked(speaker, role, arrivalTime)
	}
	t.lastCommit = arrivalTime
	t.mu.Unlock()

	// Fire the boundary event before the new speaker's words land in
	// currentText, and outside the lock so a handler calling back into
	// Transcript (e.g. ChatBot's self-interrupt check) cannot deadlock.
	if change != nil {
		t.bus.Trigger("speaker_change", *change)
	}

	text := strings.Join(words, " ")
	if text == "" {
		return
	}

	t.mu.Lock()
	if t.currentText.Len() > 0 {
		t.currentText.WriteByte(' ')
	}
	t.currentText.WriteString(text)
	snapshot := t.currentText.String()
	t.mu.Unlock()

	if t.log != nil {
		fmt.Fprintf(t.log, "[%s] %s\n", role, snapshot)
	}
}

// transitionLocked closes the currently open turn (if any) and opens
// one for speaker. Caller holds t.mu.
func (t *Transcript) transitionLocked(speaker, role string, arrivalTime time.Time) *SpeakerChange {
	oldSpeaker := t.current
	oldRole := ""
	if oldSpeaker != "" {
		oldRole = t.speakerRoles[oldSpeaker]
		t.past = append(t.past, Turn{ID: t.currentID, Role: oldRole, Content: t.currentText.String()})
	}

	var elapsed time.Duration
	if !t.lastCommit.IsZero() {
		elapsed = arrivalTime.Sub(t.lastCommit)
	}

	t.current = speaker
	t.currentID = uuid.NewString()
	t.currentText.Reset()

	return &SpeakerChange{
		OldSpeaker:     oldSpeaker,
		OldSpeakerType: oldRole,
		NewSpeaker:     speaker,
		NewSpeakerType: role,
		Elapsed:        elapsed,
	}
}

// Snapshot returns the closed turns plus the current open turn. If no
// speaker has ever committed, the current turn is omitted rather than
// emitted with an empty speaker — original_source's equivalent lookup
// would raise on a nil speaker; this just skips it.
func (t *Transcript) Snapshot() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Turn, len(t.past), len(t.past)+1)
	copy(out, t.past)
	if t.current != "" {
		out = append(out, Turn{ID: t.currentID, Role: t.speakerRoles[t.current], Content: t.currentText.String()})
	}
	return out
}

// CurrentSpeaker returns the speaker of the open turn, or "" if none.
func (t *Transcript) CurrentSpeaker() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// EventHandlers lets a Transcript be driven directly off an
// event-driven source's new_words notifications, for callers that
// don't route word frames through a ChatBot stage first.
func (t *Transcript) EventHandlers() map[string]stage.Handler {
	return map[string]stage.Handler{
		"new_words": func(args ...any) {
			if len(args) < 3 {
				return
			}
			words, _ := args[0].([]string)
			speaker, _ := args[1].(string)
			arrivalTime, _ := args[2].(time.Time)
			isAI := len(args) > 3 && args[3] == true
			t.Commit(words, speaker, isAI, arrivalTime)
		},
	}
}
