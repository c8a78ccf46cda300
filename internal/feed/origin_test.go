package feed

import (
	"net/http/httptest"
	"testing"
)

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{name: "no origin", host: "localhost:8080", want: true},
		{name: "same host", origin: "http://localhost:3000", host: "localhost:8080", want: true},
		{name: "other host", origin: "http://example.com", host: "localhost:8080"},
		{name: "listed origin", origin: "http://example.com", host: "localhost", allowed: []string{"http://example.com"}, want: true},
		{name: "listed host", origin: "https://example.com", host: "localhost", allowed: []string{"example.com"}, want: true},
		{name: "not listed", origin: "http://localhost", host: "localhost", allowed: []string{"example.com"}},
		{name: "garbage", origin: "::", host: "localhost"},
		{name: "ipv6", origin: "http://[::1]:3000", host: "[::1]:8080", want: true},
	}
	for _, test := range tests {
		request := httptest.NewRequest("GET", "/changes", nil)
		request.Host = test.host
		if test.origin != "" {
			request.Header.Set("Origin", test.origin)
		}
		if got := originAllowed(request, test.allowed); got != test.want {
			t.Fatalf("%s: expected %v, got %v", test.name, test.want, got)
		}
	}
}

func TestMatchesPrefix(t *testing.T) {
	if !matchesPrefix("profile.theme", "profile") || !matchesPrefix("profile", "profile") || !matchesPrefix("x", "") {
		t.Fatalf("expected matches")
	}
	if matchesPrefix("profileColor", "profile") {
		t.Fatalf("prefix must end at a separator")
	}
}
