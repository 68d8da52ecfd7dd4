package version

import "testing"

func TestParseSemverCore(t *testing.T) {
	cases := map[string][3]int{
		"v2.4.1":          {2, 4, 1},
		"2.4.1":           {2, 4, 1},
		"1.0.0-rc.2":      {1, 0, 0},
		"1.3.0+pos.17":    {1, 3, 0},
		"v3.1.0-beta+b42": {3, 1, 0},
		"4.2":             {4, 2, 0},
		"v7":              {7, 0, 0},
		"":                {0, 0, 0},
		"caisse":          {0, 0, 0},
		"1.x.0":           {0, 0, 0},
	}
	for in, want := range cases {
		if got := parseSemver(in); got != want {
			t.Errorf("parseSemver(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.4.0", "1.3.9", true},
		{"v2.0.0", "1.99.99", true},
		{"1.3.10", "1.3.9", true},
		{"1.3.0", "1.3.0", false},
		{"1.3.0-rc.1", "1.3.0", false},
		{"1.2.0", "1.3.0", false},
		{"", "0.0.1", false},
	}
	for _, tt := range tests {
		if got := IsNewer(tt.a, tt.b); got != tt.want {
			t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestValid(t *testing.T) {
	for _, v := range []string{"1.0.0", "v1.4.2", "2.0.0-rc.1", "2.0.0-beta-2"} {
		if !Valid(v) {
			t.Errorf("Valid(%q) = false", v)
		}
	}
	for _, v := range []string{"", "1.0", "v1", "1.0.0-", "1.0.0+build", "dev"} {
		if Valid(v) {
			t.Errorf("Valid(%q) = true", v)
		}
	}
}

func TestIsDevelopmentVersion(t *testing.T) {
	for _, v := range []string{"", "dev", "devel", "unknown", "devel+abc123"} {
		if !IsDevelopmentVersion(v) {
			t.Errorf("%q should count as a development build", v)
		}
	}
	if IsDevelopmentVersion("1.2.0") {
		t.Error("1.2.0 is a release")
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		terminal, backend string
		want              bool
	}{
		{"1.2.0", "1.9.3", true},
		{"v1.0.0", "1.0.0", true},
		{"1.2.0", "2.0.0", false},
		{"2.1.0", "1.4.0", false},
		{"dev", "3.0.0", true},
		{"1.2.0", "", true},
	}
	for _, tt := range tests {
		if got := Compatible(tt.terminal, tt.backend); got != tt.want {
			t.Errorf("Compatible(%q, %q) = %v, want %v", tt.terminal, tt.backend, got, tt.want)
		}
	}
}
