// Package conversation runs the turn-by-turn loop between the persona and the
// agent under test and keeps the resulting transcript.
package conversation

import (
	"strings"
	"sync"
	"time"
)

// Speaker attributes a turn.
type Speaker string

const (
	// SpeakerPersona is the engine-driven caller.
	SpeakerPersona Speaker = "persona"
	// SpeakerCounterpart is the voice agent under test.
	SpeakerCounterpart Speaker = "counterpart"
)

// Turn is one utterance.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"timestamp"`
}

// Transcript is an append-only, arrival-ordered list of turns. It is safe for
// concurrent readers while the driver appends.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append records a turn at the end. Turns are never reordered, even when a
// provider timestamp is earlier than the previous turn's.
func (t *Transcript) Append(speaker Speaker, text string, at time.Time) Turn {
	turn := Turn{Speaker: speaker, Text: text, At: at}
	t.mu.Lock()
	t.turns = append(t.turns, turn)
	t.mu.Unlock()
	return turn
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Snapshot returns a copy of the turns so far.
func (t *Transcript) Snapshot() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Format renders turns one per line as "speaker: text".
func Format(turns []Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(string(turn.Speaker))
		b.WriteString(": ")
		b.WriteString(turn.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
