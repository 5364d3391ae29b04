package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/corewire/dbgengine/engine"
	"github.com/corewire/dbgengine/internal/arch"
)

type attachCommand struct {
	arch string
}

func (*attachCommand) Name() string     { return "attach" }
func (*attachCommand) Synopsis() string { return "seize every thread of a running process" }
func (*attachCommand) Usage() string {
	return "attach [-arch x86_64|aarch64] <pid>\n"
}

func (c *attachCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.arch, "arch", arch.AMD64, "target architecture (x86_64 or aarch64)")
}

func (c *attachCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return fatalf("attach: expected exactly one pid argument")
	}
	var pid int32
	if _, err := fmt.Sscanf(f.Arg(0), "%d", &pid); err != nil {
		return fatalf("attach: invalid pid %q: %v", f.Arg(0), err)
	}

	e, err := engine.Attach(pid, c.arch)
	if err != nil {
		return fatalf("attach: %v", err)
	}
	if err := runRepl(e); err != nil {
		return fatalf("attach: %v", err)
	}
	return subcommands.ExitSuccess
}
