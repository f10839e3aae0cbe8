// Package search ranks a user's threads against a free-text query. An Index
// is built from thread titles and active-path messages, is immutable once
// built, and is safe for concurrent use.
//
// A document scores by the Jaccard similarity of its token set with the
// query's, |Q ∩ D| / |Q ∪ D|, multiplied by a boost for titles. Tokens are
// lowercased with accents folded, so "Café" matches "cafe". A thread scores
// as its best document and is shown with an excerpt of that document.
package search

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Field tells which part of a thread a Document comes from.
type Field int

const (
	FieldMessage Field = iota
	FieldTitle
)

// Document is one searchable text of thread ID.
type Document struct {
	ID    string
	Field Field
	Text  string
}

// Result is a ranked thread with an excerpt of its best document.
type Result struct {
	ID      string
	Snippet string
	Score   float64
}

const (
	defaultK            = 3
	defaultTitleBoost   = 1.5
	defaultSnippetRunes = 160
)

type options struct {
	stop         map[string]struct{}
	maxDocs      int
	titleBoost   float64
	snippetRunes int
}

// Option configures New.
type Option func(*options)

// WithStopwords ignores words in documents and queries.
func WithStopwords(words []string) Option {
	return func(o *options) {
		for _, w := range words {
			if w = fold(strings.TrimSpace(w)); w != "" {
				if o.stop == nil {
					o.stop = make(map[string]struct{})
				}
				o.stop[w] = struct{}{}
			}
		}
	}
}

// WithMaxDocs indexes at most n documents.
func WithMaxDocs(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDocs = n
		}
	}
}

// WithTitleBoost multiplies the score of title matches by f (>= 1).
func WithTitleBoost(f float64) Option {
	return func(o *options) {
		if f >= 1 {
			o.titleBoost = f
		}
	}
}

// WithSnippetRunes bounds the excerpt length.
func WithSnippetRunes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.snippetRunes = n
		}
	}
}

type doc struct {
	Document
	tokens map[string]struct{}
}

// Index is an immutable set of tokenized documents.
type Index struct {
	opts options
	docs []doc
}

// New tokenizes docs. Documents without indexable words are skipped.
func New(docs []Document, opts ...Option) *Index {
	o := options{titleBoost: defaultTitleBoost, snippetRunes: defaultSnippetRunes}
	for _, fn := range opts {
		fn(&o)
	}
	ix := &Index{opts: o, docs: make([]doc, 0, len(docs))}
	for _, d := range docs {
		d.Text = strings.Join(strings.Fields(d.Text), " ")
		toks := tokenize(d.Text, o.stop)
		if len(toks) == 0 {
			continue
		}
		ix.docs = append(ix.docs, doc{Document: d, tokens: toks})
		if o.maxDocs > 0 && len(ix.docs) == o.maxDocs {
			break
		}
	}
	return ix
}

// Len reports the number of indexed documents.
func (ix *Index) Len() int { return len(ix.docs) }

// TopK returns up to k threads ranked by score, ties broken by ID. A
// non-positive k means 3. It returns nil when nothing matches.
func (ix *Index) TopK(query string, k int) []Result {
	q := tokenize(query, ix.opts.stop)
	if len(q) == 0 {
		return nil
	}
	if k <= 0 {
		k = defaultK
	}

	type hit struct {
		score float64
		d     *doc
	}
	best := make(map[string]hit)
	for i := range ix.docs {
		d := &ix.docs[i]
		n := intersect(q, d.tokens)
		if n == 0 {
			continue
		}
		score := float64(n) / float64(len(q)+len(d.tokens)-n)
		if d.Field == FieldTitle {
			score *= ix.opts.titleBoost
		}
		if cur, ok := best[d.ID]; !ok || score > cur.score {
			best[d.ID] = hit{score, d}
		}
	}
	if len(best) == 0 {
		return nil
	}

	out := make([]Result, 0, len(best))
	for id, h := range best {
		out = append(out, Result{ID: id, Score: h.score, Snippet: excerpt(h.d.Text, q, ix.opts.snippetRunes)})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

var folder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases s and strips combining marks.
func fold(s string) string {
	out, _, err := transform.String(folder, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func isSep(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) }

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	var out map[string]struct{}
	for _, w := range strings.FieldsFunc(fold(s), isSep) {
		if _, skip := stop[w]; skip {
			continue
		}
		if out == nil {
			out = make(map[string]struct{})
		}
		out[w] = struct{}{}
	}
	return out
}

func intersect(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// excerpt returns at most max runes of text, starting shortly before the
// first word found in q. Cut ends are marked with an ellipsis.
func excerpt(text string, q map[string]struct{}, max int) string {
	rs := []rune(text)
	if len(rs) <= max {
		return text
	}
	first := 0
	for i := 0; i < len(rs); {
		if isSep(rs[i]) {
			i++
			continue
		}
		j := i
		for j < len(rs) && !isSep(rs[j]) {
			j++
		}
		if _, ok := q[fold(string(rs[i:j]))]; ok {
			first = i
			break
		}
		i = j
	}

	start := first - max/4
	if start < 0 {
		start = 0
	}
	end := start + max
	if end > len(rs) {
		end = len(rs)
		start = end - max
	}
	s := strings.TrimSpace(string(rs[start:end]))
	if start > 0 {
		s = "…" + s
	}
	if end < len(rs) {
		s += "…"
	}
	return s
}
