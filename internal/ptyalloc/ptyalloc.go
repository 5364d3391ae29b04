//go:build linux

// Package ptyalloc implements the spawn contract's PTY allocation
// (spec.md §6): "if with_pty=true, a pseudo-terminal master/slave pair
// is allocated; the slave becomes the child's stdin/stdout/stderr; the
// master fd is returned and is read/write/resizable by the caller."
// The engine's core is otherwise agnostic to PTY plumbing (spec.md §1
// lists it as an external collaborator) — this package only implements
// the narrow interface the Spawn command needs.
package ptyalloc

import (
	"os"

	"github.com/containerd/console"
)

// Size is a terminal window size, mirroring console.WinSize without
// exposing the third-party type on this package's public surface.
type Size struct {
	Rows uint16
	Cols uint16
}

// PTY is a read/write/resizable pseudo-terminal master. engine.Spawn
// allocates one for a WithPTY spawn and gives its slave side to the child
// as stdio; Spawn does not return the master to its caller.
type PTY interface {
	Fd() uintptr
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(s Size) error
	Close() error
	// SlavePath is the path the child process should open as its
	// controlling terminal (stdin/stdout/stderr) before exec.
	SlavePath() string
}

// Allocator allocates PTY pairs; an interface so the engine's spawn
// command is testable without opening a real /dev/ptmx.
type Allocator interface {
	Allocate() (PTY, error)
}

// Console is the real Allocator, backed by github.com/containerd/console
// (the teacher's own transitive PTY dependency, reused directly instead
// of hand-rolling openpty via raw ioctls).
type Console struct{}

var _ Allocator = Console{}

func (Console) Allocate() (PTY, error) {
	pty, slavePath, err := console.NewPty()
	if err != nil {
		return nil, err
	}
	return &consolePTY{pty: pty, slavePath: slavePath}, nil
}

type consolePTY struct {
	pty       console.Console
	slavePath string
}

func (c *consolePTY) Fd() uintptr { return c.pty.Fd() }

func (c *consolePTY) Read(p []byte) (int, error) { return c.pty.Read(p) }

func (c *consolePTY) Write(p []byte) (int, error) { return c.pty.Write(p) }

func (c *consolePTY) Resize(s Size) error {
	return c.pty.Resize(console.WinSize{Height: s.Rows, Width: s.Cols})
}

func (c *consolePTY) Close() error { return c.pty.Close() }

func (c *consolePTY) SlavePath() string { return c.slavePath }

// OpenSlave opens the slave side for handing off as the child's
// stdin/stdout/stderr; the caller is responsible for closing it after
// dup2'ing the fds into the child (or, in this module's Go-exec-based
// spawn path, assigning it directly to exec.Cmd's Stdin/Stdout/Stderr).
func OpenSlave(p PTY) (*os.File, error) {
	return os.OpenFile(p.SlavePath(), os.O_RDWR, 0)
}
