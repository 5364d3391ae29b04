package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/corewire/dbgengine/engine"
	"github.com/corewire/dbgengine/internal/arch"
)

type spawnCommand struct {
	arch string
	pty  bool
}

func (*spawnCommand) Name() string     { return "spawn" }
func (*spawnCommand) Synopsis() string { return "start a new tracee under PTRACE_TRACEME and attach to it" }
func (*spawnCommand) Usage() string {
	return "spawn [-arch x86_64|aarch64] [-pty] <path> [args...]\n"
}

func (c *spawnCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.arch, "arch", arch.AMD64, "target architecture (x86_64 or aarch64)")
	f.BoolVar(&c.pty, "pty", false, "allocate a pseudo-terminal for the tracee's stdio")
}

func (c *spawnCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		return fatalf("spawn: expected a program path")
	}
	path := f.Arg(0)
	argv := f.Args()[1:]

	e, pid, err := engine.Spawn(path, argv, c.arch, engine.SpawnOptions{WithPTY: c.pty})
	if err != nil {
		return fatalf("spawn: %v", err)
	}
	fmt.Printf("spawned pid %d\n", pid)
	if err := runRepl(e); err != nil {
		return fatalf("spawn: %v", err)
	}
	return subcommands.ExitSuccess
}
