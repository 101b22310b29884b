// Package textcheck measures submitted responses and compares them against
// earlier ones.
package textcheck

import (
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/zeebo/xxh3"
)

// MaxUnchanged caps the unchanged words reported in a Diff.
const MaxUnchanged = 10

type Stats struct {
	Words      int `json:"word_count"`
	Sentences  int `json:"sentence_count"`
	Characters int `json:"character_count"`
}

// Measure counts whitespace-separated words, sentence terminators (. ! ?) and
// characters.
func Measure(text string) Stats {
	sentences := strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")
	return Stats{
		Words:      len(strings.Fields(text)),
		Sentences:  sentences,
		Characters: utf8.RuneCountInString(text),
	}
}

// WordCount is Measure(text).Words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Fingerprint hashes text for exact-match lookups.
func Fingerprint(text string) uint64 {
	return xxh3.HashString(text)
}

// Matcher compares one candidate text against many stored texts. The
// candidate's index is built once. The popular-element heuristic is off: with
// it, long prose has nearly every letter junked and identical texts score low.
type Matcher struct {
	sm *difflib.SequenceMatcher
}

func NewMatcher(candidate string) *Matcher {
	return &Matcher{sm: difflib.NewMatcherWithJunk(nil, chars(candidate), false, nil)}
}

// Ratio returns the character-level similarity in [0,1] between stored and
// the candidate: 2*M/T where M is the matched character count and T the total.
func (m *Matcher) Ratio(stored string) float64 {
	m.sm.SetSeq1(chars(stored))
	return m.sm.Ratio()
}

// Exceeds reports whether Ratio(stored) > threshold. The cheap upper bounds
// are checked first and the full ratio is only computed when they allow it.
func (m *Matcher) Exceeds(stored string, threshold float64) (float64, bool) {
	m.sm.SetSeq1(chars(stored))
	if r := m.sm.RealQuickRatio(); r <= threshold {
		return r, false
	}
	if r := m.sm.QuickRatio(); r <= threshold {
		return r, false
	}
	r := m.sm.Ratio()
	return r, r > threshold
}

// Similarity is the character-level ratio between a and b.
func Similarity(a, b string) float64 {
	return NewMatcher(b).Ratio(a)
}

type Diff struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

// WordDiff lists the words of edited missing from base (Added), the words of
// base missing from edited (Removed) and the first MaxUnchanged shared words.
func WordDiff(base, edited string) Diff {
	a := strings.Fields(base)
	b := strings.Fields(edited)
	d := Diff{Added: []string{}, Removed: []string{}, Unchanged: []string{}}
	for _, op := range difflib.NewMatcherWithJunk(a, b, false, nil).GetOpCodes() {
		switch op.Tag {
		case 'r':
			d.Removed = append(d.Removed, a[op.I1:op.I2]...)
			d.Added = append(d.Added, b[op.J1:op.J2]...)
		case 'd':
			d.Removed = append(d.Removed, a[op.I1:op.I2]...)
		case 'i':
			d.Added = append(d.Added, b[op.J1:op.J2]...)
		case 'e':
			d.Unchanged = append(d.Unchanged, a[op.I1:op.I2]...)
		}
	}
	if len(d.Unchanged) > MaxUnchanged {
		d.Unchanged = d.Unchanged[:MaxUnchanged]
	}
	return d
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
