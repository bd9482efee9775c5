package engine

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/pavelanni/prepdeck/internal/model"
)

// DefaultWrittenThreshold is the match percentage at or above which a
// written answer counts as correct, unless the assignment overrides it.
const DefaultWrittenThreshold = 80

// Submission is one answer payload as received from the client.
type Submission struct {
	SelectedIDs []int64 `json:"selected_ids,omitempty"`
	WrittenText string  `json:"written_text,omitempty"`
}

// Outcome is the evaluator's verdict for a single submission.
// MatchPercent is set for written questions only.
type Outcome struct {
	IsCorrect    bool
	MatchPercent *float64
}

// Evaluate grades a submission against the question's answer key. It is a
// pure function: no storage access, no side effects, and it never fails on
// malformed input — an empty written submission grades as 0% match.
//
// Choice questions require exact set equality of option ids; multi-choice
// is all-or-nothing. Written questions compare a normalized similarity
// percentage against threshold (DefaultWrittenThreshold when <= 0).
func Evaluate(q model.Question, sub Submission, threshold float64) Outcome {
	switch q.Type {
	case model.TypeWritten:
		if threshold <= 0 {
			threshold = DefaultWrittenThreshold
		}
		pct := Similarity(sub.WrittenText, q.ReferenceText)
		return Outcome{IsCorrect: pct >= threshold, MatchPercent: &pct}
	default:
		return Outcome{IsCorrect: equalIDSets(sub.SelectedIDs, q.CorrectOptionIDs())}
	}
}

// Similarity returns the match percentage in [0, 100] between a submitted
// text and the reference: the Sørensen–Dice coefficient over character
// bigrams of the normalized strings. Identical normalized strings score
// 100, texts with no shared bigrams score 0, and the score grows
// monotonically with shared content.
func Similarity(submitted, reference string) float64 {
	a := Normalize(submitted)
	b := Normalize(reference)
	if a == "" || b == "" {
		if a == b {
			return 100
		}
		return 0
	}
	if a == b {
		return 100
	}

	ga := bigrams(a)
	gb := bigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ga))
	for _, g := range ga {
		counts[g]++
	}
	shared := 0
	for _, g := range gb {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 100 * 2 * float64(shared) / float64(len(ga)+len(gb))
}

// Normalize case-folds, strips diacritics, and collapses whitespace so
// that "Héllo   World" and "hello world" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}

// bigrams returns the character bigrams of each whitespace-separated token.
// Bigrams never span token boundaries; a single-rune token contributes
// itself as one gram.
func bigrams(s string) []string {
	var grams []string
	for _, tok := range strings.Fields(s) {
		r := []rune(tok)
		if len(r) == 1 {
			grams = append(grams, string(r))
			continue
		}
		for i := 0; i+1 < len(r); i++ {
			grams = append(grams, string(r[i:i+2]))
		}
	}
	return grams
}

func equalIDSets(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int64]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
	}
	for _, v := range seen {
		if v != 0 {
			return false
		}
	}
	return true
}
