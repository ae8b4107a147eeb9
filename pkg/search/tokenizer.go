package search

import (
	"strings"
	"unicode"
)

// BaseEntityType returns the base type of a sub-entity type. Sub-entities
// carry an underscore-delimited suffix (e.g. "Pod_Container" belongs to
// "Pod") and are attributed to their base type for grouping.
func BaseEntityType(entityType string) string {
	if idx := strings.Index(entityType, "_"); idx > 0 {
		return entityType[:idx]
	}
	return entityType
}

// SplitIdentifier splits a PascalCase/camelCase identifier into lowercase
// sub-words. Numeric runs stay intact as separate tokens, and uppercase
// acronym runs keep their last letter with a following lowercase word
// ("HTTPServer2Go" -> ["http", "server", "2", "go"]).
func SplitIdentifier(word string) []string {
	runes := []rune(word)
	var tokens []string
	start := 0

	flush := func(end int) {
		if end > start {
			tokens = append(tokens, strings.ToLower(string(runes[start:end])))
		}
		start = end
	}

	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		switch {
		case unicode.IsDigit(cur) != unicode.IsDigit(prev):
			flush(i)
		case unicode.IsUpper(cur) && unicode.IsLower(prev):
			flush(i)
		case unicode.IsLower(cur) && unicode.IsUpper(prev):
			// End of an acronym run: the run's last upper starts the new word.
			if i-1 > start {
				flush(i - 1)
			}
		}
	}
	flush(len(runes))
	return tokens
}

// TokenizeValue splits a value on non-alphanumeric boundaries and further
// splits each piece on case transitions. All tokens are lowercase.
func TokenizeValue(value string) []string {
	var tokens []string
	for _, part := range splitAlnum(value) {
		sub := SplitIdentifier(part)
		lower := strings.ToLower(part)
		tokens = append(tokens, lower)
		for _, t := range sub {
			if t != lower {
				tokens = append(tokens, t)
			}
		}
	}
	return dedupe(tokens)
}

// TokenizeRecord produces the token set for one indexed record: the
// lowercase entity type, its case-split sub-words, and the tokens of every
// id value.
func TokenizeRecord(entityType string, idValues []string) []string {
	tokens := []string{strings.ToLower(entityType)}
	tokens = append(tokens, TokenizeValue(entityType)...)
	for _, v := range idValues {
		tokens = append(tokens, TokenizeValue(v)...)
	}
	return dedupe(tokens)
}

// TokenizeQuery produces the de-duplicated, order-irrelevant token union of
// the query terms.
func TokenizeQuery(terms []string) []string {
	var tokens []string
	for _, term := range terms {
		tokens = append(tokens, TokenizeValue(term)...)
	}
	return dedupe(tokens)
}

func splitAlnum(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
