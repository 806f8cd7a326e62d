// Package ebpf is the bytecode runtime the probe engine treats as an
// external collaborator (spec.md §6): a tiny interpreter over 8-byte
// little-endian instruction words and a fixed 16-slot helper table.
// Probe callbacks that want to run attacher-supplied bytecode build a
// Program and wrap it in an Adapter, which satisfies probe.Handler.
//
// The register-file-plus-switch interpreter loop is grounded on
// KTStephano-GVM/vm/exec.go's execNextInstruction; the helper table
// layout and semantics (index 5 ktime_get_ns, 6 trace_printk, 13
// get_current_pid_tgid, everything else a no-op) are grounded on
// original_source/kernel/src/ebpf/helper.rs.
package ebpf

import (
	"strings"
	"time"

	"rvprobe/memory"
	"rvprobe/probe"

	"github.com/btcsuite/goleveldb/leveldb/errors"
)

// ErrMisalignedProgram means the wire-format byte slice was not a
// multiple of 8 bytes long.
var ErrMisalignedProgram = errors.New("ebpf: program length is not a multiple of 8")

// Opcode is the instruction tag held in the low byte of each word.
type Opcode byte

const (
	OpNop Opcode = iota
	// OpLoadImm loads a sign-extended 40-bit immediate into register dst.
	OpLoadImm
	// OpMov copies register src into register dst.
	OpMov
	// OpCall invokes helper index dst with arguments r1..r5 and stores
	// the result in r0.
	OpCall
	// OpExit ends the program, yielding r0 as the program's result.
	OpExit
)

// NumRegisters is the register file size; r0 holds the program's
// return/accumulator value, r1..r5 double as the fixed argument
// registers for OpCall, matching the helper signature's five u64 args.
const NumRegisters = 8

// Helper is a bytecode-callable function: five u64 arguments, one u64
// result. Unrecognised indices resolve to a no-op returning 0.
type Helper func(a1, a2, a3, a4, a5 uint64) uint64

func nop(uint64, uint64, uint64, uint64, uint64) uint64 { return 0 }

// TraceSink receives formatted output from the trace_printk helper.
type TraceSink interface {
	Trace(line string)
}

// TraceSinkFunc adapts a plain function to TraceSink.
type TraceSinkFunc func(line string)

// Trace implements TraceSink.
func (f TraceSinkFunc) Trace(line string) { f(line) }

// Runtime owns everything a program's helper calls need: the address
// space a trace_printk format string is read from (the same space the
// probe it backs is armed in), a pid source, a clock, and a trace sink.
// A zero Runtime is usable; Clock defaults to time.Now and PID to
// returning 0.
type Runtime struct {
	Space *memory.Space
	PID   func() uint64
	Clock func() uint64
	Sink  TraceSink
}

func (rt *Runtime) pid() uint64 {
	if rt.PID == nil {
		return 0
	}
	return rt.PID()
}

func (rt *Runtime) clock() uint64 {
	if rt.Clock != nil {
		return rt.Clock()
	}
	return uint64(time.Now().UnixNano())
}

func (rt *Runtime) trace(line string) {
	if rt.Sink != nil {
		rt.Sink.Trace(line)
	}
}

func (rt *Runtime) ktimeGetNS(_, _, _, _, _ uint64) uint64 {
	return rt.clock()
}

func (rt *Runtime) getCurrentPIDTgid(_, _, _, _, _ uint64) uint64 {
	pid := rt.pid()
	return pid<<32 | pid
}

// tracePrintk reads fmtLen bytes at fmtPtr out of Space, substitutes the
// three trailing arguments positionally into "{}" placeholders (p1 in
// hex, p2 and p3 decimal, mirroring helper.rs's dyn_fmt::Arguments use),
// and forwards the formatted line to Sink. Returns 0 on success, 1 if
// the format string could not be read.
func (rt *Runtime) tracePrintk(fmtPtr, fmtLen, p1, p2, p3 uint64) uint64 {
	if rt.Space == nil {
		return 1
	}
	raw, err := rt.Space.ReadAt(fmtPtr, int(fmtLen))
	if err != nil {
		return 1
	}
	rt.trace(substitutePositional(string(raw), p1, p2, p3))
	return 0
}

func substitutePositional(format string, p1, p2, p3 uint64) string {
	args := []string{hexString(p1), decString(p2), decString(p3)}
	var b strings.Builder
	i := 0
	for _, arg := range args {
		idx := strings.Index(format[i:], "{}")
		if idx < 0 {
			break
		}
		b.WriteString(format[i : i+idx])
		b.WriteString(arg)
		i += idx + 2
	}
	b.WriteString(format[i:])
	return b.String()
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%16]
		v /= 16
	}
	return "0x" + string(buf[i:])
}

func decString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// helperTable builds the fixed 16-slot table, binding the three
// stateful helpers to this Runtime and leaving every other index a nop,
// per original_source/kernel/src/ebpf/helper.rs's HELPERS array.
func (rt *Runtime) helperTable() [16]Helper {
	var table [16]Helper
	for i := range table {
		table[i] = nop
	}
	table[5] = rt.ktimeGetNS
	table[6] = rt.tracePrintk
	table[13] = rt.getCurrentPIDTgid
	return table
}

// Program is a parsed bytecode program: one uint64 per instruction
// word.
type Program []uint64

// ParseProgram decodes a wire-format byte slice into a Program. Per
// spec.md §6 the length must be a multiple of 8; the engine itself does
// not otherwise inspect the bytecode.
func ParseProgram(raw []byte) (Program, error) {
	if len(raw)%8 != 0 {
		return nil, ErrMisalignedProgram
	}
	prog := make(Program, len(raw)/8)
	for i := range prog {
		var w uint64
		for b := 0; b < 8; b++ {
			w |= uint64(raw[i*8+b]) << (8 * b)
		}
		prog[i] = w
	}
	return prog, nil
}

// Interpret runs prog to completion against this Runtime and returns
// r0's final value. A program that never executes OpExit runs until it
// falls off the end of its word slice, at which point r0 is returned as
// if OpExit had fired — the interpreter always terminates in O(len(prog))
// steps since there is no backward control flow in this instruction set.
func (rt *Runtime) Interpret(prog Program) uint64 {
	helpers := rt.helperTable()
	var regs [NumRegisters]uint64

	for pc := 0; pc < len(prog); pc++ {
		word := prog[pc]
		op := Opcode(byte(word))
		dst := byte(word >> 8)
		src := byte(word >> 16)
		imm := uint64(int64(word) >> 24)

		switch op {
		case OpNop:
		case OpLoadImm:
			regs[dst%NumRegisters] = imm
		case OpMov:
			regs[dst%NumRegisters] = regs[src%NumRegisters]
		case OpCall:
			h := helpers[dst%16]
			regs[0] = h(regs[1], regs[2], regs[3], regs[4], regs[5])
		case OpExit:
			return regs[0]
		}
	}
	return regs[0]
}

// Adapter makes a Program invocable as a probe.Handler, the callback
// shape both native closures and bytecode programs share (spec.md §9).
type Adapter struct {
	Runtime *Runtime
	Program Program
}

// Handle implements probe.Handler; the trap frame itself is not passed
// into the bytecode register file (this engine has no raw-memory
// "context pointer" for it to address), but Runtime.Space lets the
// program's trace_printk calls read attacher-supplied format strings
// out of the same address space the probe is armed in.
func (a *Adapter) Handle(*probe.Frame) {
	a.Runtime.Interpret(a.Program)
}
