// Copyright © 2019 mg
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Command probemon is a live dashboard over a simulated kprobe session:
// it arms a demo instruction probe and a demo function probe against a
// small simulated kernel text section, then lets an operator single-step
// traps and watch the registry's in-flight table and trace feed update.
//
// Layout and event-loop shape are carried over from
// go/mgnes/cmd/pure6502/main.go's termui dashboard (paragraph widgets
// laid out with SetRect, a draw() that re-renders them all, and a
// ui.PollEvents() loop keyed on single letters).
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"

	"rvprobe/ebpf"
	"rvprobe/kprobes"
	"rvprobe/logx"
	"rvprobe/memory"
	"rvprobe/probe"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

const (
	instrAddr = 0x80000000
	funcAddr  = 0x80001000
)

var (
	registry       *kprobes.Registry
	traceLines     []string
	pc             uint64
	paragraphState *widgets.Paragraph
	paragraphTrace *widgets.Paragraph
	paragraphTips  *widgets.Paragraph
)

func renderState(p *widgets.Paragraph) {
	sb := &strings.Builder{}
	sb.WriteString(fmt.Sprintf("PC: %#x\n", pc))
	sb.WriteString(fmt.Sprintf("in-flight descriptors: %d\n", registry.InFlightCount()))
	if d, ok := registry.Lookup(instrAddr); ok {
		sb.WriteString(fmt.Sprintf("instruction probe @ %#x: slot=%#x trampoline=%#x\n", instrAddr, d.SlotAddr, d.InstructionTrampolineAddr))
	}
	if d, ok := registry.Lookup(funcAddr); ok {
		sb.WriteString(fmt.Sprintf("function probe @ %#x: sp_delta=%d trampoline=%#x returns=%d\n", funcAddr, d.SPDelta, d.FunctionTrampolineAddr, len(d.ReturnAddrStack)))
	}
	p.Text = sb.String()
}

func renderTrace(p *widgets.Paragraph) {
	p.Text = strings.Join(traceLines, "\n")
}

func renderTips(p *widgets.Paragraph) {
	p.Text = "I = trigger instruction probe    F = trigger function probe    T = run trace_printk demo    Q = quit"
}

func draw() {
	renderState(paragraphState)
	renderTrace(paragraphTrace)
	renderTips(paragraphTips)
	ui.Render(paragraphState, paragraphTrace, paragraphTips)
}

func initLayout() {
	paragraphState = widgets.NewParagraph()
	paragraphState.Title = "Registry"
	paragraphState.SetRect(0, 0, 70, 8)

	paragraphTrace = widgets.NewParagraph()
	paragraphTrace.Title = "Trace"
	paragraphTrace.SetRect(0, 8, 70, 20)

	paragraphTips = widgets.NewParagraph()
	paragraphTips.Title = "Tips"
	paragraphTips.SetRect(0, 20, 70, 23)
}

func loadRegistry() {
	space := memory.NewSpace()
	space.Map(instrAddr, 4096, memory.PermRead|memory.PermWrite|memory.PermExec)
	space.Map(funcAddr, 4096, memory.PermRead|memory.PermWrite|memory.PermExec)

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x00000013) // addi x0,x0,0
	space.WriteAt(instrAddr, buf)

	binary.LittleEndian.PutUint32(buf, 0x00010113|uint32(int32(-16)&0xFFF)<<20) // addi sp,sp,-16
	space.WriteAt(funcAddr, buf)

	registry = kprobes.New(space)

	registry.Register(instrAddr, probe.Instruction, probe.HandlerFunc(func(f *probe.Frame) {
		traceLines = append(traceLines, fmt.Sprintf("instruction pre-callback at %#x", f.PC))
	}), nil)

	registry.Register(funcAddr, probe.FunctionEntrySync,
		probe.HandlerFunc(func(f *probe.Frame) {
			traceLines = append(traceLines, fmt.Sprintf("function entry at %#x sp=%#x", f.PC, f.SP))
		}),
		probe.HandlerFunc(func(f *probe.Frame) {
			traceLines = append(traceLines, fmt.Sprintf("function return to %#x", f.PC))
		}),
	)

	pc = instrAddr
}

func runTraceDemo() {
	rt := &ebpf.Runtime{
		Space: registry.Space(),
		Sink:  ebpf.TraceSinkFunc(func(line string) { traceLines = append(traceLines, line) }),
	}
	const fmtAddr = 0x80002000
	const formatStr = "probemon tick={}"
	registry.Space().Map(fmtAddr, 4096, memory.PermRead|memory.PermWrite)
	registry.Space().WriteAt(fmtAddr, []byte(formatStr))

	prog := ebpf.Program{
		uint64(ebpf.OpLoadImm) | uint64(1)<<8 | uint64(fmtAddr)<<24,
		uint64(ebpf.OpLoadImm) | uint64(2)<<8 | uint64(len(formatStr))<<24,
		uint64(ebpf.OpLoadImm) | uint64(3)<<8 | uint64(len(traceLines))<<24,
		uint64(ebpf.OpCall) | uint64(6)<<8,
		uint64(ebpf.OpExit),
	}
	rt.Interpret(prog)
}

func main() {
	logx.SetEnabled(true)
	logx.SetLogger(logx.LoggerFunc(func(msg string) { traceLines = append(traceLines, msg) }))

	if err := ui.Init(); err != nil {
		log.Fatalf("failed to initialize termui: %v", err)
	}
	defer ui.Close()

	initLayout()
	loadRegistry()
	draw()

	for e := range ui.PollEvents() {
		if e.Type != ui.KeyboardEvent {
			continue
		}
		switch e.ID {
		case "q", "Q", "<C-c>":
			return
		case "i", "I":
			frame := &probe.Frame{PC: instrAddr}
			registry.HandleTrap(frame)
			frame.PC += 4 // the out-of-line no-op runs up to its trailing breakpoint
			registry.HandleTrap(frame)
			pc = frame.PC
		case "f", "F":
			frame := &probe.Frame{PC: funcAddr, SP: 0x1000, RA: 0x2000}
			registry.HandleTrap(frame)
			pc = frame.PC
		case "t", "T":
			runTraceDemo()
		}
		draw()
	}
}
