package devgw

import (
	"net/http/httptest"
	"testing"
)

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		required bool
		allowed  []string
		origin   string
		ok       bool
	}{
		{"missing allowed when optional", false, nil, "", true},
		{"missing rejected when required", true, []string{"http://localhost"}, "", false},
		{"exact match", true, []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"host match ignores port", true, []string{"http://localhost"}, "http://localhost:5173", true},
		{"wildcard", true, []string{"*"}, "https://evil.example", true},
		{"foreign host", true, []string{"http://localhost"}, "https://evil.example", false},
		{"no allowlist", false, nil, "http://localhost", false},
	}
	for _, tc := range cases {
		g := New(Options{OriginRequired: tc.required, AllowedOrigins: tc.allowed, Logger: discardLogger()})
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := originPatterns([]string{"http://LocalHost:3000", "http://127.0.0.1", "localhost", " "})
	want := []string{"127.0.0.1", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
