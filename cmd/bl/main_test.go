package main

import (
	"errors"
	"testing"

	"buildline/internal/repo"
)

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	if err != nil || id != 42 {
		t.Fatalf("parseID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "abc", "12abc", "1.5"} {
		if _, err := parseID(bad); !errors.Is(err, repo.ErrInvalidInput) {
			t.Fatalf("parseID(%q): expected invalid input, got %v", bad, err)
		}
	}
}
