package validation

import (
	"errors"
	"testing"
)

func TestValidateAndNormalize(t *testing.T) {
	v := NewFeedURLValidator()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain https", "https://feeds.example.org/show.xml", "https://feeds.example.org/show.xml", false},
		{"adds scheme", "feeds.example.org/show.xml", "https://feeds.example.org/show.xml", false},
		{"trims space", "  http://feeds.example.org/rss  ", "http://feeds.example.org/rss", false},
		{"uppercase scheme", "HTTPS://feeds.example.org/rss", "https://feeds.example.org/rss", false},
		{"empty", "", "", true},
		{"ftp", "ftp://feeds.example.org/rss", "", true},
		{"script chars", "https://feeds.example.org/<script>", "", true},
		{"localhost", "http://localhost:8080/feed", "", true},
		{"private ip", "http://192.168.1.10/feed", "", true},
		{"traversal", "https://feeds.example.org/../etc/passwd", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateAndNormalize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAndNormalize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateAndNormalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPermissiveAllowsLocal(t *testing.T) {
	v := NewPermissiveFeedURLValidator()
	for _, in := range []string{"http://localhost:8080/feed", "http://127.0.0.1/feed", "http://10.0.0.5/rss"} {
		if _, err := v.ValidateAndNormalize(in); err != nil {
			t.Errorf("permissive validator rejected %q: %v", in, err)
		}
	}
}

func TestRelayTargetValidator(t *testing.T) {
	v := NewRelayTargetValidator()

	if _, err := v.Parse("feeds.example.org/rss"); err == nil {
		t.Error("relay targets without a scheme must be rejected")
	}
	if _, err := v.Parse("https://feeds.example.org/rss?x=1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	_, err := v.Parse("http://[::1]:9000/")
	if !errors.Is(err, ErrLocalTarget) {
		t.Errorf("expected ErrLocalTarget, got %v", err)
	}
}

func TestIsLocalHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"api.localhost", true},
		{"printer.local", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.0.1", true},
		{"169.254.10.10", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"0.0.0.0", true},
		{"::ffff:192.168.1.1", true},
		{"8.8.8.8", false},
		{"feeds.example.org", false},
	}

	for _, tt := range tests {
		if got := IsLocalHost(tt.host); got != tt.want {
			t.Errorf("IsLocalHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
