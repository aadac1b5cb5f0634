// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// A collate.Collator keeps internal buffers and is not safe for concurrent use.
var collatorPool = sync.Pool{
	New: func() any {
		return collate.New(language.Und, collate.Numeric, collate.IgnoreCase, collate.IgnoreDiacritics)
	},
}

// CompareStrings performs a natural comparison: digit runs compare by numeric
// value, case and diacritics are ignored.
func CompareStrings(a, b string) int {
	c := collatorPool.Get().(*collate.Collator)
	defer collatorPool.Put(c)
	return c.CompareString(a, b)
}

// Compare orders two present field values by natural comparison of their
// rendered form. Numbers are compared through their literal, so digit runs of
// any length keep their numeric order and mixed numbers and strings still form
// a single total order.
func Compare(a, b any) int {
	return CompareStrings(render(a), render(b))
}

// compareField orders two records by f. Records lacking f always sort after
// records that have it, regardless of direction.
func compareField(a, b Torrent, f Field, ascending bool) int {
	va, okA := a.Value(f)
	vb, okB := b.Value(f)

	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return 1
	case !okB:
		return -1
	}

	c := Compare(va, vb)
	if !ascending {
		return -c
	}
	return c
}

func render(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
