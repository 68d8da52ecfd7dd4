package suggest

import "testing"

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"sync.url", "sync.url", 0},
		{"sync.ulr", "sync.url", 2},
		{"kitten", "sitting", 3},
		{"café", "cafe", 1},
		{"crêpe", "crepes", 2},
	}
	for _, tt := range tests {
		if got := distance(tt.a, tt.b); got != tt.want {
			t.Errorf("distance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestClosest(t *testing.T) {
	keys := []string{"sync.url", "sync.interval", "sync.api_key", "log.level", "log.file"}

	got := Closest("sync.ur", keys)
	if len(got) == 0 || got[0] != "sync.url" {
		t.Fatalf("Closest(sync.ur) = %v, want sync.url first", got)
	}
	if got := Closest("LOG.LEVL", keys); len(got) == 0 || got[0] != "log.level" {
		t.Fatalf("Closest(LOG.LEVL) = %v, want log.level first", got)
	}
	if got := Closest("--log.fil", keys); len(got) == 0 || got[0] != "log.file" {
		t.Fatalf("Closest(--log.fil) = %v, want log.file first", got)
	}
	if got := Closest("completely-unrelated-setting", keys); len(got) != 0 {
		t.Fatalf("expected no suggestion, got %v", got)
	}
	if got := Closest("s", keys); len(got) > 3 {
		t.Fatalf("at most three suggestions, got %v", got)
	}
}
