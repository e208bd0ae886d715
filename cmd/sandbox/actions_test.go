//go:build linux

package main

import (
	"testing"

	"github.com/anoek/go-sandbox/internal/config"
)

func TestMatchesAnyPattern(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		sandbox  string
		patterns []string
		want     bool
	}{
		{"empty patterns match everything", "anything", nil, true},
		{"glob match", "sb-2026", []string{"sb-*"}, true},
		{"no match", "other", []string{"sb-*"}, false},
		{"negation wins if last", "sb-2026", []string{"sb-*", "!sb-2026"}, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			got := matchesAnyPattern(c.sandbox, c.patterns)
			if got != c.want {
				t.Fatalf("matchesAnyPattern(%q, %v) = %v, want %v", c.sandbox, c.patterns, got, c.want)
			}
		})
	}
}

func TestParseBindSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"/a", "/a:/a:rw", false},
		{"/a:/b", "/a:/b:rw", false},
		{"/a:/b:ro", "/a:/b:ro", false},
		{"/a:/b:bogus", "", true},
	}
	for _, c := range cases {
		spec, err := parseBindSpec(c.raw)
		if c.wantErr {
			if err == nil {
				t.Fatalf("parseBindSpec(%q): expected error", c.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseBindSpec(%q): %v", c.raw, err)
		}
		if spec.String() != c.want {
			t.Fatalf("parseBindSpec(%q) = %q, want %q", c.raw, spec.String(), c.want)
		}
	}
}

func TestSandboxNameSelection(t *testing.T) {
	t.Parallel()

	name, err := sandboxName(config.Config{Name: "explicit"}, nil)
	if err != nil || name != "explicit" {
		t.Fatalf("explicit name: got %q, %v", name, err)
	}

	name, err = sandboxName(config.Config{}, nil)
	if err != nil || name != "default" {
		t.Fatalf("no name: got %q, %v", name, err)
	}

	_, err = sandboxName(config.Config{Last: true}, nil)
	if err == nil {
		t.Fatal("expected error for --last with no existing sandboxes")
	}

	name, err = sandboxName(config.Config{Last: true}, []string{"a", "b", "c"})
	if err != nil || name != "c" {
		t.Fatalf("--last: got %q, %v", name, err)
	}
}
