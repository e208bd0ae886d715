//go:build linux

package sandbox

import (
	"strings"
	"testing"
)

func TestChangeEntryDisplayPrefixes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		entry  ChangeEntry
		prefix string
	}{
		{"create", setChangeEntry("/a", SetCreate, nil, FileFacts{Path: "/a"}), "+ /a"},
		{"modify", setChangeEntry("/a", SetModify, &FileFacts{Path: "/a"}, FileFacts{Path: "/a"}), "~ /a"},
		{"remove", removeChangeEntry("/a", FileFacts{Path: "/a"}), "- /a"},
		{"rename", renameChangeEntry("/b", FileFacts{Path: "/a"}, FileFacts{Path: "/b"}), "> /a -> /b"},
		{"error", errorChangeEntry("/a", ErrUnsupportedFileType), "! /a"},
	}
	for _, c := range cases {
		got := c.entry.Display()
		if !strings.Contains(got, c.prefix) {
			t.Errorf("%s: Display() = %q, want to contain %q", c.name, got, c.prefix)
		}
	}
}

func TestRenderChangesJoinsWithNewlines(t *testing.T) {
	t.Parallel()

	entries := []ChangeEntry{
		removeChangeEntry("/a", FileFacts{Path: "/a"}),
		removeChangeEntry("/b", FileFacts{Path: "/b"}),
	}
	out := RenderChanges(entries)
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("RenderChanges output = %q, want exactly one newline", out)
	}
}

func TestChangeEntryJSONShape(t *testing.T) {
	t.Parallel()

	e := renameChangeEntry("/new", FileFacts{Path: "/old"}, FileFacts{Path: "/new"})
	m := e.JSON()
	if m["operation"] != "rename" {
		t.Fatalf("operation = %v", m["operation"])
	}
	if m["source"] != "/old" {
		t.Fatalf("source = %v", m["source"])
	}
	if m["destination"] != "/new" {
		t.Fatalf("destination = %v", m["destination"])
	}
}
