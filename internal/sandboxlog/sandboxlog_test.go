package sandboxlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	l.Debugf("hidden %d", 1)
	l.Infof("also hidden")
	l.Warnf("visible warning")
	l.Errorf("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug/info leaked through: %q", out)
	}
	if !strings.Contains(out, "visible warning") || !strings.Contains(out, "visible error") {
		t.Fatalf("missing expected lines: %q", out)
	}
}

func TestNilOutputDisablesLogger(t *testing.T) {
	t.Parallel()

	l := New(nil, LevelTrace)
	l.Errorf("should not panic or write anywhere")
}

func TestParseLevelRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"trace", "debug", "info", "warn", "error"} {
		lvl, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
		if lvl.String() != s {
			t.Fatalf("round trip mismatch: %q -> %v -> %q", s, lvl, lvl.String())
		}
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
