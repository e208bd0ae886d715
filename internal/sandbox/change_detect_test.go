//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestClassifyEntrySetCreate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	upper := filepath.Join(dir, "new.txt")
	must(t, os.WriteFile(upper, []byte("hi"), 0o644))

	facts, ok, err := FactsFromPath(upper)
	if err != nil || !ok {
		t.Fatalf("FactsFromPath: ok=%v err=%v", ok, err)
	}

	entry := UpperEntry{
		LowerPath:  "/new.txt",
		UpperPath:  upper,
		UpperFacts: facts,
	}
	changes, err := classifyEntry(entry, map[string]bool{})
	if err != nil {
		t.Fatalf("classifyEntry: %v", err)
	}
	want := []ChangeEntry{setChangeEntry("/new.txt", SetCreate, nil, facts)}
	if diff := cmp.Diff(want, changes, cmp.AllowUnexported(FileFacts{})); diff != "" {
		t.Fatalf("classifyEntry mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyEntrySetModify(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "source.txt")
	upper := filepath.Join(dir, "upper.txt")
	must(t, os.WriteFile(source, []byte("orig"), 0o644))
	must(t, os.WriteFile(upper, []byte("changed"), 0o644))

	srcFacts, _, err := FactsFromPath(source)
	must(t, err)
	upperFacts, _, err := FactsFromPath(upper)
	must(t, err)

	entry := UpperEntry{
		LowerPath:   "/source.txt",
		UpperPath:   upper,
		UpperFacts:  upperFacts,
		SourcePath:  source,
		SourceFacts: srcFacts,
		HasSource:   true,
	}
	changes, err := classifyEntry(entry, map[string]bool{})
	if err != nil {
		t.Fatalf("classifyEntry: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation.Kind != OpSet || changes[0].Operation.Set != SetModify {
		t.Fatalf("changes = %+v, want a single Set(Modify)", changes)
	}
}

func TestClassifyEntryWhiteoutProducesRemove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "gone.txt")
	must(t, os.WriteFile(source, []byte("bye"), 0o644))
	srcFacts, _, err := FactsFromPath(source)
	must(t, err)

	whiteout := filepath.Join(dir, "whiteout-node")
	if err := unix.Mknod(whiteout, unix.S_IFCHR|0o000, int(unix.Mkdev(0, 0))); err != nil {
		t.Skipf("mknod unavailable in this environment: %v", err)
	}
	facts, ok, err := FactsFromPath(whiteout)
	if err != nil || !ok {
		t.Fatalf("FactsFromPath(whiteout): ok=%v err=%v", ok, err)
	}

	entry := UpperEntry{
		LowerPath:   "/gone.txt",
		UpperPath:   whiteout,
		UpperFacts:  facts,
		SourcePath:  source,
		SourceFacts: srcFacts,
		HasSource:   true,
	}
	changes, err := classifyEntry(entry, map[string]bool{})
	if err != nil {
		t.Fatalf("classifyEntry: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation.Kind != OpRemove {
		t.Fatalf("changes = %+v, want a single Remove", changes)
	}
}

func TestClassifyEntryRenamedSourceIsSuppressed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "moved-from.txt")
	must(t, os.WriteFile(source, []byte("x"), 0o644))
	srcFacts, _, err := FactsFromPath(source)
	must(t, err)

	whiteout := filepath.Join(dir, "whiteout-node2")
	if err := unix.Mknod(whiteout, unix.S_IFCHR|0o000, int(unix.Mkdev(0, 0))); err != nil {
		t.Skipf("mknod unavailable in this environment: %v", err)
	}
	facts, ok, err := FactsFromPath(whiteout)
	if err != nil || !ok {
		t.Fatalf("FactsFromPath(whiteout): ok=%v err=%v", ok, err)
	}

	entry := UpperEntry{
		LowerPath:   "/moved-from.txt",
		UpperPath:   whiteout,
		UpperFacts:  facts,
		SourcePath:  source,
		SourceFacts: srcFacts,
		HasSource:   true,
	}
	changes, err := classifyEntry(entry, map[string]bool{source: true})
	if err != nil {
		t.Fatalf("classifyEntry: %v", err)
	}
	if changes != nil {
		t.Fatalf("changes = %+v, want nil (suppressed as a rename source)", changes)
	}
}

func TestIsActuallyModifiedIgnoresUntouchedDirectoryBookkeeping(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	facts, ok, err := FactsFromPath(dir)
	if err != nil || !ok {
		t.Fatalf("FactsFromPath(dir): ok=%v err=%v", ok, err)
	}

	e := ChangeEntry{
		Operation: Operation{Kind: OpSet, Set: SetModify},
		HasSource: true,
		Source:    facts,
		HasStaged: true,
		Staged:    facts,
	}
	if e.IsActuallyModified() {
		t.Fatal("expected an untouched directory Set(Modify) to be filtered out")
	}

	changedMode := facts
	changedMode.Mode = facts.Mode ^ 0o077
	e.Staged = changedMode
	if !e.IsActuallyModified() {
		t.Fatal("expected a mode change to be reported as modified")
	}
}
