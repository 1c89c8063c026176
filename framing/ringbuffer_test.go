package framing

import (
	"bytes"
	"testing"
)

func TestRingBuffer_FindAcrossAppends(t *testing.T) {
	b := NewRingBuffer()
	b.Append([]byte("abc*"))
	if idx := b.Find([]byte("*/"), 0); idx != -1 {
		t.Errorf("Find = %d, want -1 before second half arrives", idx)
	}
	b.Append([]byte("/def"))
	if idx := b.Find([]byte("*/"), 0); idx != 3 {
		t.Errorf("Find = %d, want 3 for needle split across appends", idx)
	}
}

func TestRingBuffer_ConsumeRebasesOffsets(t *testing.T) {
	b := NewRingBuffer()
	b.Append([]byte("hello\nworld\n"))
	idx := b.Find([]byte("\n"), 0)
	if idx != 5 {
		t.Fatalf("first Find = %d, want 5", idx)
	}
	b.Consume(idx + 1)
	if got := b.Len(); got != 6 {
		t.Errorf("Len after consume = %d, want 6", got)
	}
	if idx := b.Find([]byte("\n"), 0); idx != 5 {
		t.Errorf("rebased Find = %d, want 5", idx)
	}
	if got := string(b.View(0, 5)); got != "world" {
		t.Errorf("View = %q, want world", got)
	}
}

func TestRingBuffer_FindFromOffset(t *testing.T) {
	b := NewRingBuffer()
	b.Append([]byte("$a$b$"))
	if idx := b.Find([]byte("$"), 1); idx != 2 {
		t.Errorf("Find from 1 = %d, want 2", idx)
	}
	if idx := b.Find([]byte("$"), 5); idx != -1 {
		t.Errorf("Find past end = %d, want -1", idx)
	}
}

func TestRingBuffer_CompactionPreservesContent(t *testing.T) {
	b := NewRingBuffer()
	chunk := bytes.Repeat([]byte("x"), 16*1024)
	for i := 0; i < 8; i++ {
		b.Append(chunk)
		b.Consume(len(chunk))
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
	b.Append([]byte("tail"))
	if got := string(b.View(0, 4)); got != "tail" {
		t.Errorf("View after compaction = %q, want tail", got)
	}
}

func TestRingBuffer_ConsumePastEndClamps(t *testing.T) {
	b := NewRingBuffer()
	b.Append([]byte("abc"))
	b.Consume(10)
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}
