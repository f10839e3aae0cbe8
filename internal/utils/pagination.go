// Package utils holds small parsing helpers shared by the HTTP handlers.
package utils

import (
	"strconv"
	"strings"
)

// Bounds describes an integer query parameter: the value used when it is
// absent or malformed, and the range it is clamped to. A zero Max leaves the
// upper end open.
type Bounds struct {
	Default int
	Min     int
	Max     int
}

// Page, PageSize and SearchLimit are the list parameters used by the API.
var (
	Page        = Bounds{Default: 1, Min: 1}
	PageSize    = Bounds{Default: 20, Min: 1, Max: 100}
	SearchLimit = Bounds{Default: 10, Min: 1, Max: 50}
)

// Int parses s within b.
//
//	utils.PageSize.Int("500") // 100
//	utils.PageSize.Int("")    // 20
//	utils.PageSize.Int("x")   // 20
func (b Bounds) Int(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		n = b.Default
	}
	return b.Clamp(n)
}

// Clamp bounds n to [Min, Max].
func (b Bounds) Clamp(n int) int {
	if n < b.Min {
		return b.Min
	}
	if b.Max > 0 && n > b.Max {
		return b.Max
	}
	return n
}

// Offset converts a 1-based page into a row offset.
func Offset(page, pageSize int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * pageSize
}
