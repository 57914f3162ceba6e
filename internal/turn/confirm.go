package turn

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Answer is the classification of a reply to a confirmation prompt.
type Answer int

const (
	AnswerUnclear Answer = iota
	AnswerYes
	AnswerNo
)

// String returns the answer's name.
func (a Answer) String() string {
	switch a {
	case AnswerYes:
		return "yes"
	case AnswerNo:
		return "no"
	default:
		return "unclear"
	}
}

var (
	yesWords = []string{"yes", "yeah", "yea", "yah", "yep", "yup", "sure", "ok", "okay", "confirm", "confirmed", "affirmative", "correct", "proceed", "absolutely"}
	noWords  = []string{"no", "nope", "nah", "cancel", "negative", "abort", "dont", "not", "never"}

	yesPhrases = []string{"go ahead", "do it", "sounds good", "please do"}
	noPhrases  = []string{"never mind", "hold on", "do not", "don't"}
)

const (
	// phoneticThreshold applies when the Double Metaphone codes overlap.
	phoneticThreshold = 0.80
	// fuzzyThreshold applies to pure Jaro-Winkler matches.
	fuzzyThreshold = 0.90
)

// ClassifyConfirmation maps a transcript to yes, no or unclear. Transcription
// noise is tolerated through phonetic and fuzzy word matching. A reply that
// contains both a yes and a no is unclear.
func ClassifyConfirmation(text string) Answer {
	norm := normalize(text)
	if norm == "" {
		return AnswerUnclear
	}
	padded := " " + norm + " "

	var yes, no bool
	for _, p := range noPhrases {
		if strings.Contains(padded, " "+normalize(p)+" ") {
			no = true
		}
	}
	for _, p := range yesPhrases {
		if strings.Contains(padded, " "+p+" ") {
			yes = true
		}
	}
	if !no || !yes {
		for _, w := range strings.Fields(norm) {
			if matchesAny(w, yesWords) {
				yes = true
			}
			if matchesAny(w, noWords) {
				no = true
			}
		}
	}

	switch {
	case yes && !no:
		return AnswerYes
	case no && !yes:
		return AnswerNo
	default:
		return AnswerUnclear
	}
}

// normalize lowercases s, drops apostrophes and turns other punctuation into
// spaces.
func normalize(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// matchesAny reports whether word is in vocab or close to one of its
// entries. Words of up to three runes must match exactly.
func matchesAny(word string, vocab []string) bool {
	if utf8.RuneCountInString(word) <= 3 {
		return slices.Contains(vocab, word)
	}
	codes := metaphone(word)
	for _, v := range vocab {
		if word == v {
			return true
		}
		score := matchr.JaroWinkler(word, v, false)
		if score >= fuzzyThreshold {
			return true
		}
		if score >= phoneticThreshold && overlaps(codes, metaphone(v)) {
			return true
		}
	}
	return false
}

func metaphone(w string) []string {
	p, s := matchr.DoubleMetaphone(w)
	var out []string
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
