package hash

import (
	"bytes"
	"strings"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	data := []byte("hello world")
	h1 := Hash(data)
	h2 := Hash(data)
	if h1 != h2 {
		t.Fatalf("Hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("Hash length = %d, want 64", len(h1))
	}
}

func TestHashDiffersOnContent(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	if a == b {
		t.Fatalf("distinct content hashed to the same digest")
	}
}

func TestIsBinaryEmptyIsText(t *testing.T) {
	if IsBinary(nil) {
		t.Fatalf("empty input classified as binary")
	}
}

func TestIsBinaryNulByte(t *testing.T) {
	data := []byte("hello\x00world")
	if !IsBinary(data) {
		t.Fatalf("data containing NUL not classified as binary")
	}
}

func TestIsBinaryPlainText(t *testing.T) {
	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 20))
	if IsBinary(data) {
		t.Fatalf("plain text classified as binary")
	}
}

func TestIsBinaryLowPrintableRatio(t *testing.T) {
	data := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, 200)
	if !IsBinary(data) {
		t.Fatalf("low-printable-ratio content not classified as binary")
	}
}

func TestIsBinaryOnlyInspectsWindow(t *testing.T) {
	// Printable window followed by a huge run of non-printable bytes past
	// the sniff window must still classify as text.
	data := append(bytes.Repeat([]byte("a"), binarySniffWindow), bytes.Repeat([]byte{0x01}, 1<<20)...)
	if IsBinary(data) {
		t.Fatalf("classification considered bytes beyond the sniff window")
	}
}
