package persona

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"but": true, "by": true, "can": true, "do": true, "for": true, "from": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "me": true, "my": true, "of": true,
	"on": true, "or": true, "please": true, "so": true, "that": true, "the": true, "this": true,
	"to": true, "we": true, "what": true, "with": true, "you": true, "your": true,
}

// tokenize lower-cases text and splits it on anything that is not a letter
// or digit, dropping stopwords and single characters. The result is a set.
func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		set[f] = true
	}
	return set
}

// vocabulary is every token of the persona's name, description and traits.
func vocabulary(p Persona) map[string]bool {
	return tokenize(p.Name + " " + p.Description + " " + strings.Join(p.Traits, " "))
}

// overlap scores a persona against a tokenized context as the fraction of
// distinct context tokens found in the persona vocabulary, in [0,1].
// It also returns the matched tokens, sorted.
func overlap(contextTokens map[string]bool, p Persona) (float64, []string) {
	if len(contextTokens) == 0 {
		return 0, nil
	}

	vocab := vocabulary(p)
	var matched []string
	for tok := range contextTokens {
		if vocab[tok] {
			matched = append(matched, tok)
		}
	}
	sort.Strings(matched)
	return float64(len(matched)) / float64(len(contextTokens)), matched
}

// recommend picks the best persona. personas must be sorted by id so that
// the strict comparison leaves the lowest id in place on ties.
func recommend(text string, personas []Persona, minScore float64) *Recommendation {
	tokens := tokenize(text)

	var best *Recommendation
	for _, p := range personas {
		score, matched := overlap(tokens, p)
		if score <= 0 || score < minScore {
			continue
		}
		if best == nil || score > best.Score {
			best = &Recommendation{
				Persona:     p,
				Score:       score,
				MatchReason: fmt.Sprintf("matched %d of %d terms: %s", len(matched), len(tokens), strings.Join(matched, ", ")),
			}
		}
	}
	return best
}
