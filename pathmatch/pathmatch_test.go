package pathmatch

import "testing"

func TestCompileErrors(t *testing.T) {
	for _, pattern := range []string{"", "api/v1", "no-slash"} {
		if _, err := Compile(pattern); err == nil {
			t.Errorf("expected error for pattern %q", pattern)
		}
	}
}

func TestMatch(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		path    string
		match   bool
	}{
		{"/api/v1/auth/*", "/api/v1/auth/login", true},
		{"/api/v1/auth/*", "/api/v1/auth/users/42", true},
		{"/api/v1/auth/*", "/api/v1/auth", true},
		{"/api/v1/auth/*", "/api/v1/other", false},
		{"/api/v1/*/items/*", "/api/v1/content/items/3", true},
		{"/api/v1/*/items/*", "/api/v1/content/items", true},
		{"/api/v1/*/items/*", "/api/v1/content/other/3", false},
		{"/api/v1/users", "/api/v1/users", true},
		{"/api/v1/users", "/api/v1/users/7", false},
		{"/api/v1/users", "/api/v1/users/", false},
		{"/api/v1/users", "/API/v1/users", false},
		{"/api/*/users", "/api/v2/users", true},
		{"/api/*/users", "/api/v2/extra/users", false},
		{"/files/*.json", "/files/data.json", true},
		{"/files/*.json", "/files/data.txt", false},
		{"/files/v*x*", "/files/v1x2", true},
		{"/", "/", true},
		{"/", "/a", false},
		{"/*", "/anything/at/all", true},
		{"/*", "/", true},
		{"/a", "", false},
		{"/a", "a", false},
	} {
		p, err := Compile(tc.pattern)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.pattern, err)
		}
		if got := p.Match(tc.path); got != tc.match {
			t.Errorf("%q.Match(%q) = %v, want %v", tc.pattern, tc.path, got, tc.match)
		}
	}
}

func TestSourcePreserved(t *testing.T) {
	p := MustCompile("/api/v1/auth/*")
	if p.String() != "/api/v1/auth/*" {
		t.Errorf("unexpected source: %s", p.String())
	}
}

func BenchmarkMatch(b *testing.B) {
	p := MustCompile("/api/v1/*/items/*")
	for i := 0; i < b.N; i++ {
		p.Match("/api/v1/content/items/3")
	}
}
