package assets

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rendis/artgen/pkg/schema"
)

// Slug lowercases s and joins its letter and digit runs with dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

// AssignIDs gives every record an id: its own, a slug of its name, or
// asset-<n>. Repeated ids get -2, -3 suffixes in order of appearance.
func AssignIDs(records []schema.AssetRecord) {
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		id := rec.ID()
		if id == "" {
			if name, ok := rec["name"].(string); ok {
				id = Slug(name)
			}
		}
		if id == "" {
			id = fmt.Sprintf("asset-%d", i)
		}
		base := id
		for seen[id] > 0 {
			seen[base]++
			id = fmt.Sprintf("%s-%d", base, seen[base])
		}
		seen[id]++
		rec["id"] = id
	}
}
