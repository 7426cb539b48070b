// Package phrases rotates through a fixed inventory of short "thinking"
// filler utterances for one call, avoiding immediate repetition.
package phrases

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrEmptyInventory is returned when a source is built with no usable phrases.
var ErrEmptyInventory = errors.New("phrases: empty inventory")

// Phrase is one candidate filler utterance. The unexported index ties a
// peeked phrase back to its inventory slot; the zero Phrase commits nothing.
type Phrase struct {
	Text string
	idx  int // 1-based inventory position; 0 means not from this source
}

// Source selects filler phrases for one call. Selection is two-phase:
// Peek draws a candidate without touching state, Commit records it as used
// only once the phrase actually produced audio. A peeked-then-abandoned
// phrase (the real answer arrived first) therefore stays eligible.
type Source struct {
	mu        sync.Mutex
	inventory []string
	lastUsed  int // inventory index of the last committed phrase, -1 for none
	rng       *rand.Rand
}

// New builds a source over the given inventory. Blank entries are dropped;
// an inventory with nothing left is an error.
func New(inventory []string) (*Source, error) {
	cleaned := make([]string, 0, len(inventory))
	for _, p := range inventory {
		if strings.TrimSpace(p) != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrEmptyInventory
	}
	return &Source{
		inventory: cleaned,
		lastUsed:  -1,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Peek draws uniformly among all entries except the last committed one.
// A single-entry inventory always returns that entry.
func (s *Source) Peek() Phrase {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.inventory)
	if n == 1 {
		return Phrase{Text: s.inventory[0], idx: 1}
	}
	var i int
	if s.lastUsed < 0 {
		i = s.rng.Intn(n)
	} else {
		i = s.rng.Intn(n - 1)
		if i >= s.lastUsed {
			i++
		}
	}
	return Phrase{Text: s.inventory[i], idx: i + 1}
}

// Commit records the phrase as spoken. Phrases that did not come from this
// source (including the zero Phrase) are ignored.
func (s *Source) Commit(p Phrase) {
	if p.idx <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.idx > len(s.inventory) {
		return
	}
	s.lastUsed = p.idx - 1
}

// Len reports the inventory size.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inventory)
}

var defaultInventory = []string{
	"Let me check that for you.",
	"One moment, please.",
	"Hmm, let me see.",
	"Just a second.",
	"Let me pull that up.",
	"Good question, give me a moment.",
	"Let me find out.",
	"Bear with me for a second.",
	"Let me take a quick look.",
	"Right, one moment.",
	"Let me double-check that.",
	"Okay, just a moment.",
	"Let me look into that.",
	"Give me just a second.",
}

// Default returns the built-in filler inventory.
func Default() []string {
	return append([]string(nil), defaultInventory...)
}
