package imapengine

import "testing"

func TestExtractDomain(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "example.com",
		"nodomain":           "unknown",
		"a@b@example.com":    "example.com",
	}
	for input, want := range cases {
		if got := extractDomain(input); got != want {
			t.Errorf("extractDomain(%q) = %q, want %q", input, got, want)
		}
	}
}
