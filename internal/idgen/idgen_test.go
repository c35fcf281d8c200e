package idgen

import (
	"regexp"
	"testing"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestNew_Format(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := New()
		if !idPattern.MatchString(id) {
			t.Fatalf("id %q is not 32 lowercase hex chars", id)
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
