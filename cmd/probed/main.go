// Command probed is a demonstration front end for the kernel kprobe
// registry: it maps a small simulated text section, lets an operator
// register/unregister probes against it by address, report the
// in-flight descriptor count, and fire a simulated trap to watch the
// pre/post callbacks run.
//
// Flag and subcommand wiring follows go/chr2png/main.go's use of
// gopkg.in/urfave/cli.v2 (App.Flags, Action closures, cli.Exit for
// usage errors).
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"rvprobe/kprobes"
	"rvprobe/logx"
	"rvprobe/memory"
	"rvprobe/probe"

	"gopkg.in/urfave/cli.v2"
)

const textBase = 0x80000000

func main() {
	logx.SetEnabled(true)
	logx.SetLogger(stdoutLogger{})

	kprobes.Default.Space().Map(textBase, 4096, memory.PermRead|memory.PermWrite|memory.PermExec)
	seedNoOps(textBase, 16)

	app := &cli.App{
		Name:    "probed",
		Usage:   "register and trigger kprobes against a simulated kernel text section",
		Version: "v0.0.1",
		Commands: []*cli.Command{
			registerCommand(),
			unregisterCommand(),
			listCommand(),
			triggerCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stdoutLogger struct{}

func (stdoutLogger) Log(msg string) { fmt.Println(msg) }

// seedNoOps fills count 4-byte slots starting at base with "addi x0, x0,
// 0" — a safe, decodable no-op every demo probe can target.
func seedNoOps(base uint64, count int) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x00000013)
	for i := 0; i < count; i++ {
		kprobes.Default.Space().WriteAt(base+uint64(4*i), buf)
	}
}

func addrFlag() *cli.Uint64Flag {
	return &cli.Uint64Flag{Name: "addr", Aliases: []string{"a"}, Usage: "target address, e.g. 0x80000000"}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "register a kernel instruction probe at an address",
		Flags: []cli.Flag{addrFlag()},
		Action: func(c *cli.Context) error {
			addr := c.Uint64("addr")
			pre := probe.HandlerFunc(func(f *probe.Frame) {
				fmt.Printf("pre-callback fired at %#x\n", f.PC)
			})
			if err := kprobes.Default.Register(addr, probe.Instruction, pre, nil); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Printf("registered instruction probe at %#x\n", addr)
			return nil
		},
	}
}

func unregisterCommand() *cli.Command {
	return &cli.Command{
		Name:  "unregister",
		Usage: "unregister the probe at an address",
		Flags: []cli.Flag{addrFlag()},
		Action: func(c *cli.Context) error {
			addr := c.Uint64("addr")
			if err := kprobes.Default.Unregister(addr); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Printf("unregistered probe at %#x\n", addr)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list in-flight probe count",
		Action: func(c *cli.Context) error {
			fmt.Printf("in-flight descriptors: %d\n", kprobes.Default.InFlightCount())
			return nil
		},
	}
}

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "simulate a breakpoint trap at an address",
		Flags: []cli.Flag{addrFlag()},
		Action: func(c *cli.Context) error {
			frame := &probe.Frame{PC: c.Uint64("addr")}
			if !kprobes.Default.HandleTrap(frame) {
				return cli.Exit("no probe claimed this address", 1)
			}
			fmt.Printf("trap dispatched, frame now at %#x\n", frame.PC)
			return nil
		},
	}
}
