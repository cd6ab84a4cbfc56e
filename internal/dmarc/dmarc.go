package dmarc

import (
	"fmt"
	"regexp"
	"strings"
)

const mailtoPrefix = "mailto:"

var (
	ruaRegex = regexp.MustCompile(`(?i)rua=([^;]+)`)
	rufRegex = regexp.MustCompile(`(?i)ruf=([^;]+)`)
)

// Canonicalize returns the DMARC record that should be published for domain.
//
// A record that already enforces reject (or quarantine at 100%), does not
// mention p=none and only uses mailto: report addresses is returned as is.
// Every other record, including an empty one or the "missing" sentinel, is
// rewritten to a reject policy that keeps the existing report addresses:
//
//	v=DMARC1; p=reject; sp=reject; pct=100; rua=<rua>;[ ruf=<ruf>;] adkim=r; aspf=r;
//
// The field order is fixed so repeated runs produce byte identical records.
func Canonicalize(raw, domain string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "missing") {
		raw = ""
	}

	if raw != "" && IsStrict(raw) && !strings.Contains(raw, "p=none") && !HasSyntaxError(raw) {
		return raw
	}

	rua := fmt.Sprintf("%sdmarc-reports@%s", mailtoPrefix, domain)
	ruf := ""
	if raw != "" {
		if list, ok := tagValue(ruaRegex, raw); ok {
			rua = ensureMailto(list)
		}
		if list, ok := tagValue(rufRegex, raw); ok {
			ruf = fmt.Sprintf(" ruf=%s;", ensureMailto(list))
		}
	}

	return fmt.Sprintf("v=DMARC1; p=reject; sp=reject; pct=100; rua=%s;%s adkim=r; aspf=r;", rua, ruf)
}

// IsStrict reports whether the record rejects, or quarantines all mail.
func IsStrict(record string) bool {
	return strings.Contains(record, "p=reject") ||
		(strings.Contains(record, "p=quarantine") && strings.Contains(record, "pct=100"))
}

// HasSyntaxError reports whether a rua or ruf address lacks the mailto: scheme.
func HasSyntaxError(record string) bool {
	for _, re := range []*regexp.Regexp{ruaRegex, rufRegex} {
		list, ok := tagValue(re, record)
		if !ok {
			continue
		}
		for _, p := range splitList(list) {
			if !hasMailto(p) {
				return true
			}
		}
	}
	return false
}

func tagValue(re *regexp.Regexp, record string) (string, bool) {
	m := re.FindStringSubmatch(record)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func splitList(list string) []string {
	var parts []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func hasMailto(s string) bool {
	return len(s) >= len(mailtoPrefix) && strings.EqualFold(s[:len(mailtoPrefix)], mailtoPrefix)
}

func ensureMailto(list string) string {
	parts := splitList(list)
	for i, p := range parts {
		if !hasMailto(p) {
			parts[i] = mailtoPrefix + p
		}
	}
	return strings.Join(parts, ", ")
}
