package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

var (
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex identifiers are left alone.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// RedactOptions names request values that never reach the logs. Header
// matching is case-insensitive; Authorization, Cookie and Set-Cookie are
// always masked.
type RedactOptions struct {
	MaskHeaders []string
	// MaskParams lists query parameters that carry user content, such as
	// search text.
	MaskParams []string
}

// Redactor scrubs request metadata for the access log. Bodies are never
// logged; masked values are replaced outright and everything else has
// e-mail addresses and phone numbers removed.
type Redactor struct {
	headers map[string]struct{}
	params  map[string]struct{}
}

// NewRedactor builds a Redactor from opts.
func NewRedactor(opts RedactOptions) *Redactor {
	r := &Redactor{
		headers: map[string]struct{}{"authorization": {}, "cookie": {}, "set-cookie": {}},
		params:  map[string]struct{}{},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.headers[h] = struct{}{}
		}
	}
	for _, p := range opts.MaskParams {
		if p = strings.TrimSpace(p); p != "" {
			r.params[p] = struct{}{}
		}
	}
	return r
}

// Scrub removes e-mail addresses and phone numbers from s.
func (r *Redactor) Scrub(s string) string {
	if s == "" {
		return s
	}
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// Query returns rawQuery with masked parameters replaced and the rest
// scrubbed, keys sorted. An unparsable query is scrubbed as a whole.
func (r *Redactor) Query(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	vals, err := url.ParseQuery(rawQuery)
	if err != nil {
		return r.Scrub(rawQuery)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range vals[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			if _, masked := r.params[k]; masked {
				b.WriteString(redacted)
			} else {
				b.WriteString(r.Scrub(v))
			}
		}
	}
	return b.String()
}

// Headers returns a loggable copy of h. Correlation and identity headers are
// dropped since the access log records them as fields.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		lk := strings.ToLower(k)
		switch lk {
		case "x-request-id", "x-user-id":
			continue
		}
		if _, masked := r.headers[lk]; masked {
			out[k] = redacted
			continue
		}
		out[k] = r.Scrub(strings.Join(vv, ", "))
	}
	return out
}
