package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("story")
	if !strings.HasPrefix(id, "story_") {
		t.Fatalf("NewID(%q) = %q, want story_ prefix", "story", id)
	}
	if len(id) != len("story_")+32 {
		t.Fatalf("NewID(%q) length = %d, want %d", "story", len(id), len("story_")+32)
	}
	if NewID("story") == id {
		t.Fatal("expected distinct IDs across calls")
	}
}

func TestNewWriterID(t *testing.T) {
	id := NewWriterID()
	if !strings.HasPrefix(id, "USR-") {
		t.Fatalf("NewWriterID() = %q, want USR- prefix", id)
	}
	if len(id) != len("USR-")+6 {
		t.Fatalf("NewWriterID() length = %d, want %d", len(id), len("USR-")+6)
	}
	for _, r := range id[len("USR-"):] {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("NewWriterID() contains %q outside alphabet", r)
		}
	}
}

func TestNewInviteCode(t *testing.T) {
	code := NewInviteCode()
	if !strings.HasPrefix(code, "EVO-") {
		t.Fatalf("NewInviteCode() = %q, want EVO- prefix", code)
	}
	if len(code) != len("EVO-")+3 {
		t.Fatalf("NewInviteCode() length = %d, want %d", len(code), len("EVO-")+3)
	}
}
