package decode

import (
	"encoding/binary"
	"testing"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func TestLength(t *testing.T) {
	if Length(0b11) != 4 {
		t.Fatal("expected 4-byte instruction")
	}
	if Length(0b01) != 2 {
		t.Fatal("expected 2-byte instruction")
	}
}

func TestSPDeltaAddiSignExtension(t *testing.T) {
	// addi sp, sp, -16: imm = -16 in bits [31:20], rd=rs1=sp(x2)=00010
	var insn uint32 = 0x00010113
	insn |= uint32(int32(-16)&0xFFF) << 20
	delta, status := SPDelta(le32(insn))
	if status != Legal {
		t.Fatalf("expected Legal, got %v", status)
	}
	if delta != -16 {
		t.Fatalf("expected -16, got %d", delta)
	}
}

func TestSPDeltaAddiPositiveBound(t *testing.T) {
	var insn uint32 = 0x00010113
	insn |= uint32(2047&0xFFF) << 20
	delta, status := SPDelta(le32(insn))
	if status != Legal || delta != 2047 {
		t.Fatalf("expected 2047/Legal, got %d/%v", delta, status)
	}
}

func TestSPDeltaAddiNegativeBound(t *testing.T) {
	var insn uint32 = 0x00010113
	insn |= uint32(int32(-2048)&0xFFF) << 20
	delta, status := SPDelta(le32(insn))
	if status != Legal || delta != -2048 {
		t.Fatalf("expected -2048/Legal, got %d/%v", delta, status)
	}
}

func TestSPDeltaCAddiSP(t *testing.T) {
	// c.addi sp, -16 per the original kprobes.rs test fixture semantics.
	// Build the encoding: base 0x0101, imm bits spread across [12],[6:2].
	imm := int32(-16)
	u := uint32(imm) & 0x3F
	bit5 := (u >> 5) & 1
	low5 := u & 0x1F
	insn := uint16(0x0101) | uint16(bit5<<12) | uint16(low5<<2)
	delta, status := SPDelta(le16(insn))
	if status != Legal {
		t.Fatalf("expected Legal, got %v", status)
	}
	if delta != -16 {
		t.Fatalf("expected -16, got %d", delta)
	}
}

func TestSPDeltaRefused(t *testing.T) {
	// A plain `add x1, x2, x3` (opcode OP, 0110011) is not a recognised
	// stack-pointer-adjust form.
	insn := uint32(0b0000000_00011_00010_000_00001_0110011)
	_, status := SPDelta(le32(insn))
	if status != Refused {
		t.Fatalf("expected Refused, got %v", status)
	}
}

func TestDecoderNeverPanics(t *testing.T) {
	for b0 := 0; b0 < 256; b0++ {
		raw4 := []byte{byte(b0), 0xAA, 0xBB, 0xCC}
		raw2 := []byte{byte(b0), 0xAA}
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("SPDelta panicked on b0=%#x: %v", b0, r)
				}
			}()
			SPDelta(raw4)
			SPDelta(raw2)
			ClassifyInstruction(raw4)
			ClassifyInstruction(raw2)
		}()
	}
}
