package streamq

import (
	"errors"
	"fmt"
	"testing"
)

func TestTerminalErrorClassification(t *testing.T) {
	base := errors.New("report not found")

	if IsTerminal(base) {
		t.Fatalf("plain error must not be terminal")
	}
	te := Terminal(base)
	if !IsTerminal(te) {
		t.Fatalf("Terminal(err) must be terminal")
	}
	if !errors.Is(te, base) {
		t.Fatalf("terminal error must unwrap to the cause")
	}

	// Wrapping a terminal error keeps the classification.
	wrapped := fmt.Errorf("processing job: %w", te)
	if !IsTerminal(wrapped) {
		t.Fatalf("wrapped terminal error must stay terminal")
	}
}

func TestTerminalNilMessage(t *testing.T) {
	te := Terminal(nil)
	if te.Error() != "terminal" {
		t.Fatalf("unexpected message %q", te.Error())
	}
	if !IsTerminal(te) {
		t.Fatalf("Terminal(nil) must be terminal")
	}
}
