package proc

import (
	"fmt"
	"testing"
)

func TestTailBuffer_KeepsLastLines(t *testing.T) {
	b := NewTailBuffer(3)

	for i := 1; i <= 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}

	want := "line 3\nline 4\nline 5"
	if got := b.Snapshot(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestTailBuffer_PartialLineIncluded(t *testing.T) {
	b := NewTailBuffer(10)

	b.Write([]byte("complete line\nno newline yet"))

	want := "complete line\nno newline yet"
	if got := b.Snapshot(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestTailBuffer_WriteAcrossChunks(t *testing.T) {
	b := NewTailBuffer(10)

	// A line split across two writes stays one line.
	b.Write([]byte("Error: conn"))
	b.Write([]byte("ection refused\n"))

	if got := b.Snapshot(); got != "Error: connection refused" {
		t.Errorf("expected joined line, got %q", got)
	}
}

func TestTailBuffer_Reset(t *testing.T) {
	b := NewTailBuffer(10)
	b.Write([]byte("old run output\npartial"))
	b.Reset()

	if got := b.Snapshot(); got != "" {
		t.Errorf("expected empty snapshot after reset, got %q", got)
	}
}
