package spf

import "testing"

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", Default},
		{"missing", Default},
		{"Missing", Default},
		{"MISSING", Default},
		{"v=spf1 include:_spf.example.com -all", "v=spf1 include:_spf.example.com ~all"},
		{"v=spf1 ?all", "v=spf1 ~all"},
		{"v=spf1 ~all", "v=spf1 ~all"},
		{"v=spf1 +all", "v=spf1 +all"},
		{"v=spf1 ip4:192.0.2.1 -all -all", "v=spf1 ip4:192.0.2.1 ~all ~all"},
		{"v=spf1 mx -ALL", "v=spf1 mx -ALL"},
	}
	for _, tt := range tests {
		if got := Canonicalize(tt.in); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"missing",
		"v=spf1 -all",
		"v=spf1 a mx ?all",
		"v=spf1 redirect=_spf.example.com",
		"totally unrelated",
		"v=spf1 --all ??all",
	} {
		once := Canonicalize(in)
		if twice := Canonicalize(once); twice != once {
			t.Errorf("not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}
