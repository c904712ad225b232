// Package shortterm holds the in-process recent-dialogue buffers.
//
// Each scene (a private chat keyed by user id, or a group chat keyed by group
// id) keeps a bounded ring of the latest conversation rounds. The buffers are
// volatile; on startup the history warm-up job refills them from the chat
// platform so the persona does not wake up amnesiac.
package shortterm

import (
	"strings"
	"sync"
)

// MaxRounds caps how many rounds one scene retains.
const MaxRounds = 100

// Round is one completed user/assistant exchange.
type Round struct {
	Query  string
	Reply  string
	Sender string
}

// Buffer is the set of per-scene dialogue rings. Safe for concurrent use.
type Buffer struct {
	mu     sync.RWMutex
	scenes map[string][]Round
	cap    int
}

// New creates an empty buffer with the default round cap.
func New() *Buffer {
	return &Buffer{scenes: make(map[string][]Round), cap: MaxRounds}
}

// Append records a finished round for the scene, evicting the oldest round
// once the cap is reached.
func (b *Buffer) Append(sceneKey, query, reply, sender string) {
	if sender == "" {
		sender = "用户"
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rounds := append(b.scenes[sceneKey], Round{Query: query, Reply: reply, Sender: sender})
	if len(rounds) > b.cap {
		rounds = rounds[len(rounds)-b.cap:]
	}
	b.scenes[sceneKey] = rounds
}

// Restore replaces the scene's rounds with warm-up history, keeping only the
// newest cap rounds.
func (b *Buffer) Restore(sceneKey string, rounds []Round) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(rounds) > b.cap {
		rounds = rounds[len(rounds)-b.cap:]
	}
	b.scenes[sceneKey] = append([]Round(nil), rounds...)
}

// Has reports whether the scene holds any rounds. The orchestrator uses this
// to decide whether a warm-up fetch is needed.
func (b *Buffer) Has(sceneKey string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.scenes[sceneKey]) > 0
}

// Len returns the number of rounds buffered for the scene.
func (b *Buffer) Len(sceneKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.scenes[sceneKey])
}

// Rounds returns a copy of the scene's rounds, oldest first.
func (b *Buffer) Rounds(sceneKey string) []Round {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Round(nil), b.scenes[sceneKey]...)
}

// Clear drops one scene's rounds.
func (b *Buffer) Clear(sceneKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scenes, sceneKey)
}

// FormatOptions control how FormatRecent renders a scene.
type FormatOptions struct {
	// UserName labels the human side in private chats.
	UserName string

	// PersonaName labels the assistant side.
	PersonaName string

	// MaxRounds bounds how many of the newest rounds are rendered.
	MaxRounds int

	// MaxChars bounds the rendered text length in runes. When exceeded, whole
	// rounds are dropped from the front so the newest dialogue survives.
	MaxChars int

	// Group switches to per-round sender names instead of UserName.
	Group bool
}

// FormatRecent renders the scene's newest rounds as prompt-ready dialogue.
// Returns "" for an empty scene.
func (b *Buffer) FormatRecent(sceneKey string, opts FormatOptions) string {
	b.mu.RLock()
	rounds := b.scenes[sceneKey]
	if len(rounds) == 0 {
		b.mu.RUnlock()
		return ""
	}
	if opts.MaxRounds > 0 && len(rounds) > opts.MaxRounds {
		rounds = rounds[len(rounds)-opts.MaxRounds:]
	}
	rounds = append([]Round(nil), rounds...)
	b.mu.RUnlock()

	lines := make([]string, 0, len(rounds))
	for _, r := range rounds {
		name := opts.UserName
		if opts.Group {
			name = r.Sender
		}
		lines = append(lines, name+"："+r.Query+"\n"+opts.PersonaName+"："+r.Reply)
	}

	result := strings.Join(lines, "\n")
	if opts.MaxChars <= 0 || len([]rune(result)) <= opts.MaxChars {
		return result
	}

	// Over budget: keep whole rounds from the newest backwards.
	var kept []string
	total := 0
	for i := len(lines) - 1; i >= 0; i-- {
		n := len([]rune(lines[i])) + 1
		if total+n > opts.MaxChars {
			break
		}
		kept = append([]string{lines[i]}, kept...)
		total += n
	}
	return strings.Join(kept, "\n")
}
