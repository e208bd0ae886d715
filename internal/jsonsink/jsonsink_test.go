package jsonsink

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
)

func TestDisabledSinkIsNoOp(t *testing.T) {
	t.Parallel()

	s := New(false)
	s.Set("changes", []int{1, 2, 3})
	s.Success()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := s.Emit(w); err != nil {
		t.Fatal(err)
	}
	w.Close()

	buf := make([]byte, 1)
	n, _ := r.Read(buf)
	if n != 0 {
		t.Fatalf("expected no output from a disabled sink, got %d bytes", n)
	}
}

func TestSuccessAndFailSetStatus(t *testing.T) {
	t.Parallel()

	s := New(true)
	s.Set("changes", []string{"+a", "~b"})
	s.Success()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Emit(w); err != nil {
		t.Fatal(err)
	}
	w.Close()

	var got map[string]any
	if err := json.NewDecoder(r).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "success" {
		t.Fatalf("got status=%v", got["status"])
	}

	s2 := New(true)
	s2.Fail(errors.New("boom"))
	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Emit(w2); err != nil {
		t.Fatal(err)
	}
	w2.Close()
	var got2 map[string]any
	if err := json.NewDecoder(r2).Decode(&got2); err != nil {
		t.Fatal(err)
	}
	if got2["status"] != "error" || got2["error"] != "boom" {
		t.Fatalf("got %v", got2)
	}
}
