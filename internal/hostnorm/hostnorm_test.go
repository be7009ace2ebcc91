package hostnorm

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already lowercase", "mastodon.social", "mastodon.social"},
		{"mixed case", "Mastodon.Social", "mastodon.social"},
		{"trailing dot", "mastodon.social.", "mastodon.social"},
		{"surrounding whitespace", "  mastodon.social  ", "mastodon.social"},
		{"empty", "", ""},
		{"unicode label", "bücher.social", "xn--bcher-kva.social"},
		{"already punycoded", "xn--bcher-kva.social", "xn--bcher-kva.social"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, in := range []string{"Mastodon.Social", "bücher.social", "plain.example"} {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
