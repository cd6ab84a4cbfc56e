package spf

import "strings"

// Default is published for domains that have no SPF record at all.
const Default = "v=spf1 a mx ~all"

var softfail = strings.NewReplacer("-all", "~all", "?all", "~all")

// Canonicalize turns hard fail and neutral "all" mechanisms into soft fail.
// An empty value or the "missing" sentinel yields Default. Everything else in
// the record is left untouched.
func Canonicalize(raw string) string {
	if raw == "" || strings.EqualFold(strings.TrimSpace(raw), "missing") {
		return Default
	}
	return softfail.Replace(strings.TrimSpace(raw))
}
