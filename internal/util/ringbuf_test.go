package util

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestRingBufferRemoveFunc(t *testing.T) {
	r := NewRingBuffer[int](4)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}
	removed := r.RemoveFunc(func(v int) bool { return v%2 == 0 })
	if !reflect.DeepEqual(removed, []int{4, 6}) {
		t.Fatalf("removed = %v", removed)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 5}) {
		t.Fatalf("kept = %v", got)
	}
	r.Push(7)
	r.Push(8)
	r.Push(9)
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{5, 7, 8, 9}) {
		t.Fatalf("after refill = %v", got)
	}
	if r.RemoveFunc(func(int) bool { return false }) != nil {
		t.Fatalf("no match should return nil")
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x")
	if got := ResolvePath("base", abs); got != abs {
		t.Fatalf("absolute path not kept: %s", got)
	}
	if got := ResolvePath("base", "rel"); got != filepath.Join("base", "rel") {
		t.Fatalf("relative path not joined: %s", got)
	}
}

func TestValidateUsername(t *testing.T) {
	if n, err := ValidateUsername("  ana "); err != nil || n != "ana" {
		t.Fatalf("got %q, %v", n, err)
	}
	for _, bad := range []string{"", "a b", "a/b", "..", "a:b"} {
		if _, err := ValidateUsername(bad); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}
