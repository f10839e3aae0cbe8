package services

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	titleWords    = 8
	titleMaxRunes = 60
)

// Titler names a thread after its first user prompt while the stored
// title is still a placeholder.
type Titler struct {
	Locale   language.Tag // casing rules; Und means English
	MaxRunes int          // 0 means titleMaxRunes
}

// fillerWords are dropped from generated titles.
var fillerWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "for": true, "from": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "me": true, "my": true,
	"of": true, "on": true, "or": true, "please": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "were": true,
	"what": true, "with": true, "you": true,
}

// Placeholder reports whether title was assigned by the system rather
// than by the user.
func (t Titler) Placeholder(title string) bool {
	title = strings.TrimSpace(title)
	return title == "" ||
		strings.EqualFold(title, defaultTitleNew) ||
		strings.EqualFold(title, defaultTitleUntitled)
}

// FromPrompt returns a title-cased summary of prompt built from its first
// meaningful words, or "" when none remain.
func (t Titler) FromPrompt(prompt string) string {
	tag := t.Locale
	if tag == language.Und {
		tag = language.English
	}
	lower := cases.Lower(tag)
	title := cases.Title(tag)

	words := make([]string, 0, titleWords)
	for _, w := range strings.FieldsFunc(prompt, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		w = lower.String(w)
		if fillerWords[w] {
			continue
		}
		words = append(words, title.String(w))
		if len(words) == titleWords {
			break
		}
	}

	limit := t.MaxRunes
	if limit <= 0 {
		limit = titleMaxRunes
	}
	return strings.TrimSpace(clipRunes(strings.Join(words, " "), limit))
}
