// Package search finds whole-word matches in the bound conversation and
// drives scroll-to-match navigation.
package search

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/model"
)

// ScrollTo is published whenever the cursor lands on a match.
type ScrollTo struct {
	MessageID string `json:"messageId"`
	Query     string `json:"query"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
}

// Span is a highlighted byte range inside message content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Cursor describes the active search.
type Cursor struct {
	Query     string   `json:"query"`
	Matches   []string `json:"matches"`
	Index     int      `json:"index"`
	MessageID string   `json:"messageId,omitempty"`
}

// Indexer holds the active query and the cursor over its matches. Matches
// are kept oldest first; the cursor starts at the newest.
type Indexer struct {
	bus *bus.Bus

	mu       sync.Mutex
	query    string
	pattern  *regexp.Regexp
	snapshot []model.Message
	matches  []string
	index    int
}

// NewIndexer creates an idle indexer.
func NewIndexer(b *bus.Bus) *Indexer {
	return &Indexer{bus: b, index: -1}
}

// Search activates query. A new query starts at the newest match; repeating
// the active query steps to the next older one, wrapping to the newest.
func (x *Indexer) Search(query string, snapshot []model.Message) (Cursor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Cursor{}, apperr.ErrEmptyQuery
	}

	x.mu.Lock()
	if query == x.query && len(x.matches) > 0 {
		current := x.currentLocked()
		x.snapshot = snapshot
		x.recomputeLocked()
		if x.anchorLocked(current) {
			x.stepLocked(-1)
		}
	} else {
		x.query = query
		x.pattern = compile(query)
		x.snapshot = snapshot
		x.recomputeLocked()
		x.index = len(x.matches) - 1
	}
	cur, scroll := x.cursorLocked()
	x.mu.Unlock()

	x.announce(scroll)
	return cur, nil
}

// Move shifts the cursor by delta with wraparound. Positive deltas move
// toward newer messages.
func (x *Indexer) Move(delta int) (Cursor, error) {
	x.mu.Lock()
	if x.query == "" {
		x.mu.Unlock()
		return Cursor{}, apperr.FailedPrecondition("no active search")
	}
	if len(x.matches) > 0 {
		x.stepLocked(delta)
	}
	cur, scroll := x.cursorLocked()
	x.mu.Unlock()

	x.announce(scroll)
	return cur, nil
}

// Refresh recomputes matches after the store changed. The cursor stays on
// the same message when it still matches, otherwise it moves to the newest.
func (x *Indexer) Refresh(snapshot []model.Message) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.snapshot = snapshot
	if x.query == "" {
		return
	}
	current := x.currentLocked()
	x.recomputeLocked()
	x.anchorLocked(current)
}

// Clear drops the query and highlighting. Messages are untouched.
func (x *Indexer) Clear() {
	x.mu.Lock()
	active := x.query != ""
	x.query = ""
	x.pattern = nil
	x.matches = nil
	x.index = -1
	x.mu.Unlock()

	if active {
		x.bus.Emit(bus.SearchCleared, nil)
	}
}

// Current returns the active cursor.
func (x *Indexer) Current() Cursor {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur, _ := x.cursorLocked()
	return cur
}

// Spans returns the ranges of content that match the active query.
func (x *Indexer) Spans(content string) []Span {
	x.mu.Lock()
	re := x.pattern
	x.mu.Unlock()
	if re == nil {
		return nil
	}
	return wordSpans(re, content)
}

func (x *Indexer) currentLocked() string {
	if x.index >= 0 && x.index < len(x.matches) {
		return x.matches[x.index]
	}
	return ""
}

// anchorLocked puts the cursor back on id and reports whether id still
// matches; otherwise the cursor moves to the newest match.
func (x *Indexer) anchorLocked(id string) bool {
	for i, m := range x.matches {
		if m == id {
			x.index = i
			return true
		}
	}
	x.index = len(x.matches) - 1
	return false
}

func (x *Indexer) stepLocked(delta int) {
	n := len(x.matches)
	x.index = ((x.index+delta)%n + n) % n
}

func (x *Indexer) recomputeLocked() {
	x.matches = x.matches[:0]
	for _, m := range x.snapshot {
		if m.ID == "" && m.ClientID == "" {
			continue
		}
		if len(wordSpans(x.pattern, m.Content)) > 0 {
			x.matches = append(x.matches, messageRef(m))
		}
	}
}

func (x *Indexer) cursorLocked() (Cursor, *ScrollTo) {
	cur := Cursor{Query: x.query, Matches: append([]string(nil), x.matches...), Index: x.index}
	if x.index < 0 || x.index >= len(x.matches) {
		cur.Index = -1
		return cur, nil
	}
	cur.MessageID = x.matches[x.index]
	return cur, &ScrollTo{MessageID: cur.MessageID, Query: x.query, Index: x.index, Total: len(x.matches)}
}

func (x *Indexer) announce(scroll *ScrollTo) {
	if scroll != nil {
		x.bus.Emit(bus.SearchScrollTo, *scroll)
	}
}

// messageRef identifies a message for scrolling; unconfirmed messages are
// addressed by client id.
func messageRef(m model.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

func compile(query string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(query))
}

// wordSpans returns occurrences of re in s that are not glued to a letter,
// digit or underscore on either side. Boundaries are checked on runes so
// non-ASCII words behave like ASCII ones.
func wordSpans(re *regexp.Regexp, s string) []Span {
	var spans []Span
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if loc[0] == loc[1] {
			continue
		}
		before, _ := utf8.DecodeLastRuneInString(s[:loc[0]])
		after, _ := utf8.DecodeRuneInString(s[loc[1]:])
		if loc[0] > 0 && isWord(before) {
			continue
		}
		if loc[1] < len(s) && isWord(after) {
			continue
		}
		spans = append(spans, Span{Start: loc[0], End: loc[1]})
	}
	return spans
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
