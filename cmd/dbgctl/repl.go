package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/corewire/dbgengine/engine"
	"github.com/corewire/dbgengine/internal/arch"
)

// runRepl drives e from interactive line commands until "quit" or EOF.
// Each exception delivered by the engine is printed as it arrives, so a
// caller sees breakpoint/watchpoint/signal events interleaved with their
// own command prompts, the way a real debugger console behaves.
func runRepl(e *engine.Engine) error {
	e.SetExceptionSink(func(r engine.ExceptionRecord) {
		fmt.Printf("[%d] %s thread=%d pc=%#x addr=%#x sig=%d\n", r.Seq, r.Kind, r.ThreadID, r.PC, r.MemAddr, r.Signal)
	})
	e.SetLogCallback(func(line string) { fmt.Fprintln(os.Stderr, line) })

	fmt.Println("dbgctl ready; type 'help' for commands")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return e.Close()
		case "help":
			printHelp()
		case "break":
			runBreak(e, fields[1:])
		case "rmbreak":
			runRemoveBreak(e, fields[1:])
		case "watch":
			runWatch(e, fields[1:])
		case "rmwatch":
			runRemoveWatch(e, fields[1:])
		case "continue":
			runContinue(e, fields[1:])
		case "step":
			runStep(e, fields[1:])
		case "regs":
			runRegs(e, fields[1:])
		case "mem":
			runMem(e, fields[1:])
		case "resume":
			if err := e.ResumeAllUserStoppedThreads(); err != nil {
				fmt.Println("error:", err)
			}
		case "degraded":
			fmt.Println(e.Degraded())
		default:
			fmt.Println("unknown command; type 'help'")
		}
	}
	return scanner.Err()
}

func printHelp() {
	fmt.Println(`commands:
  break <addr> [software] [target-count]   set a breakpoint
  rmbreak <addr> [software]                remove a breakpoint
  watch <addr> <size> <read|write|rw>      set a watchpoint
  rmwatch <addr>                           remove a watchpoint
  continue <tid>                           resume one thread
  step <tid>                               single-step one thread
  regs <tid> <name> [value]                read or write a register
  mem <addr> <size>                        read tracee memory
  resume                                   resume every user-stopped thread
  degraded                                 report engine health
  quit                                     detach and exit`)
}

func parseUint(s string) (uint64, error) { return strconv.ParseUint(s, 0, 64) }

func runBreak(e *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: break <addr> [software] [target-count]")
		return
	}
	addr, err := parseUint(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	isSoftware := false
	var targetCount uint64
	for _, a := range args[1:] {
		if a == "software" {
			isSoftware = true
			continue
		}
		if v, err := parseUint(a); err == nil {
			targetCount = v
		}
	}
	slot, err := e.SetBreakpoint(addr, targetCount, isSoftware)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("slot", slot)
}

func runRemoveBreak(e *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: rmbreak <addr> [software]")
		return
	}
	addr, err := parseUint(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	isSoftware := len(args) > 1 && args[1] == "software"
	if err := e.RemoveBreakpoint(addr, isSoftware); err != nil {
		fmt.Println("error:", err)
	}
}

func watchKind(s string) (arch.WatchKind, error) {
	switch s {
	case "read":
		return engine.WatchRead, nil
	case "write":
		return engine.WatchWrite, nil
	case "rw":
		return engine.WatchReadWrite, nil
	default:
		return 0, fmt.Errorf("unknown watch kind %q", s)
	}
}

func runWatch(e *engine.Engine, args []string) {
	if len(args) < 3 {
		fmt.Println("usage: watch <addr> <size> <read|write|rw>")
		return
	}
	addr, err := parseUint(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	size, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	kind, err := watchKind(args[2])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	slot, err := e.SetWatchpoint(addr, size, kind)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("slot", slot)
}

func runRemoveWatch(e *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: rmwatch <addr>")
		return
	}
	addr, err := parseUint(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if err := e.RemoveWatchpoint(addr); err != nil {
		fmt.Println("error:", err)
	}
}

func parseTid(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	return int32(v), err
}

func runContinue(e *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: continue <tid>")
		return
	}
	tid, err := parseTid(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if err := e.ContinueExecution(tid); err != nil {
		fmt.Println("error:", err)
	}
}

func runStep(e *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: step <tid>")
		return
	}
	tid, err := parseTid(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if err := e.SingleStep(tid); err != nil {
		fmt.Println("error:", err)
	}
}

func runRegs(e *engine.Engine, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: regs <tid> <name> [value]")
		return
	}
	tid, err := parseTid(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	name := args[1]
	if len(args) >= 3 {
		value, err := parseUint(args[2])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if err := e.WriteRegister(tid, name, value); err != nil {
			fmt.Println("error:", err)
		}
		return
	}
	val, err := e.ReadRegister(tid, name)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("%#x\n", val)
}

func runMem(e *engine.Engine, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: mem <addr> <size>")
		return
	}
	addr, err := parseUint(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	size, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	buf, err := e.ReadMemory(addr, size)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("% x\n", buf)
}
