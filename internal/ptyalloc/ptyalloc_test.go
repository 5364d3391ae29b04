//go:build linux

package ptyalloc

import "testing"

func TestFakeAllocatorRoundTrip(t *testing.T) {
	a := &FakeAllocator{}
	pty, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := pty.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	n, err := pty.Read(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = %q n=%d err=%v, want hello", buf[:n], n, err)
	}
	if err := pty.Resize(Size{Rows: 24, Cols: 80}); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := pty.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFakeAllocatorFailNext(t *testing.T) {
	a := &FakeAllocator{FailNext: true}
	if _, err := a.Allocate(); err == nil {
		t.Fatal("expected the scripted allocation failure")
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("second Allocate should succeed: %v", err)
	}
}
