package domain

import (
	"regexp"
	"testing"
)

func TestNewIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^session_[0-9A-F]{8}$`)
	for i := 0; i < 10; i++ {
		if id := NewID("session"); !re.MatchString(id) {
			t.Fatalf("NewID = %q, want session_ plus 8 uppercase hex digits", id)
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID("x")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestDeviceKey(t *testing.T) {
	if got := DeviceKey("prov_1", "SER:1"); got != "prov_1:SER:1" {
		t.Fatalf("DeviceKey = %q", got)
	}
}
