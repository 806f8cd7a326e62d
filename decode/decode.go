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

// Package decode classifies a RISC-V instruction found at a virtual
// address: its length (2 or 4 bytes), and — for the closed set of
// stack-pointer-adjusting forms a function-entry probe needs — its
// signed immediate.
//
// The encodings and the sign-extension arithmetic are taken directly
// from the original kprobes implementation's decoder
// (kprobes/probes.rs: get_sp, sext), rendered the way
// bassosimone-risc32/pkg/vm/vm.go renders its own bit-level decode
// functions: small, pure, multi-return helpers operating on already-read
// words rather than on a byte stream.
package decode

import "encoding/binary"

// Length reports whether the instruction whose first byte is b0 is a
// 16-bit compressed instruction or a 32-bit uncompressed one, per the
// RISC-V convention that the low two bits of the first byte are 0b11
// iff the instruction is 4 bytes wide.
func Length(b0 byte) int {
	if b0&0b11 == 0b11 {
		return 4
	}
	return 2
}

// Status is the outcome of decoding an instruction for function-entry
// (stack-pointer-adjust) probing.
type Status int

const (
	// Legal means the instruction was recognised and its signed
	// stack-pointer delta is available.
	Legal Status = iota
	// Refused means the instruction is not in the recognised whitelist;
	// spec.md calls this "illegal for function-entry probing".
	Refused
)

// SPDelta decodes the stack-pointer-adjust immediate out of the
// insn-length bytes at raw (little-endian, as read from memory), per the
// forms in spec.md §4.1. It returns (delta, Legal) on success and
// (0, Refused) if raw does not match any recognised form.
func SPDelta(raw []byte) (int32, Status) {
	length := Length(raw[0])
	switch length {
	case 4:
		if len(raw) < 4 {
			return 0, Refused
		}
		insn := binary.LittleEndian.Uint32(raw[:4])
		// addi sp, sp, imm: bits[19:0] == 0x00010113, bits[31:20] hold
		// the signed immediate.
		if insn&0xFFFFF == 0x10113 {
			imm := int32(insn) >> 20 // arithmetic shift sign-extends bits[31:20]
			return imm, Legal
		}
		return 0, Refused
	case 2:
		if len(raw) < 2 {
			return 0, Refused
		}
		insn := binary.LittleEndian.Uint16(raw[:2])
		switch {
		case insn&0xEF83 == 0x6101:
			// c.addi16sp imm, 10-bit signed field scattered across the
			// instruction per the RISC-V C extension.
			bits := (((insn >> 12) & 0b1) << 9) |
				(((insn >> 6) & 0b1) << 4) |
				(((insn >> 5) & 0b1) << 6) |
				(((insn >> 3) & 0b11) << 7) |
				(((insn >> 2) & 0b1) << 5)
			return signExtend(int32(bits), 10), Legal
		case insn&0xEF83 == 0x0101:
			// c.addi sp, imm, 6-bit signed field.
			bits := (((insn >> 12) & 0b1) << 5) | ((insn >> 2) & 0b11111)
			return signExtend(int32(bits), 6), Legal
		case insn&0xE003 == 0x0000:
			// c.addi4spn rd, imm, 10-bit unsigned field.
			bits := (((insn >> 11) & 0b11) << 4) |
				(((insn >> 7) & 0b1111) << 6) |
				(((insn >> 6) & 0b1) << 2) |
				(((insn >> 5) & 0b1) << 3)
			return int32(bits), Legal
		default:
			return 0, Refused
		}
	default:
		return 0, Refused
	}
}

// signExtend sign-extends the low `width` bits of x.
func signExtend(x int32, width uint) int32 {
	shift := 32 - width
	return (x << shift) >> shift
}

// instructionWhitelist is the closed set of forms accepted for
// Instruction-kind probing: anything that does not touch the PC and is
// safe to single-step out of line. This is deliberately small — spec.md
// §9 open question (b) notes the original relies on the decoder
// whitelist implicitly; this rendition makes the whitelist explicit
// rather than accepting everything the decoder fails to reject.
func instructionWhitelist(raw []byte) bool {
	length := Length(raw[0])
	if len(raw) < length {
		return false
	}
	if length == 4 {
		insn := binary.LittleEndian.Uint32(raw[:4])
		opcode := insn & 0x7F
		switch opcode {
		case 0b0010011, // OP-IMM (addi, slti, ...)
			0b0110011, // OP (add, sub, ...)
			0b0000011, // LOAD
			0b0100011, // STORE
			0b0110111: // LUI
			return true
		default:
			return false
		}
	}
	insn := binary.LittleEndian.Uint16(raw[:2])
	quadrant := insn & 0b11
	funct3 := (insn >> 13) & 0b111
	switch {
	case insn == 0x0001: // c.nop
		return true
	case quadrant == 0b01 && (funct3 == 0b000 || funct3 == 0b010 || funct3 == 0b011):
		// c.addi, c.li, c.addi16sp/c.lui family — none branch or jump.
		return true
	case quadrant == 0b00:
		// c.addi4spn and the compressed register-based load/store forms.
		return true
	default:
		return false
	}
}

// ClassifyInstruction reports whether raw (at least Length(raw[0]) bytes)
// is accepted for Instruction-kind probing.
func ClassifyInstruction(raw []byte) Status {
	if instructionWhitelist(raw) {
		return Legal
	}
	return Refused
}
