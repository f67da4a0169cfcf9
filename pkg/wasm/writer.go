package wasm

import (
	"encoding/binary"
	"math"
)

type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

func (v ValType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "?"
	}
}

// BlockType is the signed immediate of block, loop and if: a negative value
// names an empty or single-value result, a non-negative one a type index.
type BlockType int64

const BlockEmpty BlockType = -0x40

func ValueBlock(v ValType) BlockType { return BlockType(int64(v) - 0x80) }

func TypeBlock(idx uint32) BlockType { return BlockType(idx) }

// CodeWriter accumulates the instruction bytes of one function body.
type CodeWriter struct {
	buf []byte
}

func (w *CodeWriter) Bytes() []byte { return w.buf }

// Len is the current body offset, used for source marks.
func (w *CodeWriter) Len() int { return len(w.buf) }

func (w *CodeWriter) Op(op byte) { w.buf = append(w.buf, op) }

func (w *CodeWriter) U32(v uint32) { w.buf = AppendULEB128(w.buf, v) }

func (w *CodeWriter) I32Const(v int32) {
	w.buf = append(w.buf, OpI32Const)
	w.buf = AppendSLEB128(w.buf, int64(v))
}

func (w *CodeWriter) I64Const(v int64) {
	w.buf = append(w.buf, OpI64Const)
	w.buf = AppendSLEB128(w.buf, v)
}

func (w *CodeWriter) F32Const(v float32) {
	w.buf = append(w.buf, OpF32Const)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *CodeWriter) F64Const(v float64) {
	w.buf = append(w.buf, OpF64Const)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// Mem writes a load or store with its alignment exponent and static offset.
func (w *CodeWriter) Mem(op byte, alignLog2, offset uint32) {
	w.buf = append(w.buf, op)
	w.buf = AppendULEB128(w.buf, alignLog2)
	w.buf = AppendULEB128(w.buf, offset)
}

func (w *CodeWriter) LocalGet(idx uint32) { w.Op(OpLocalGet); w.U32(idx) }
func (w *CodeWriter) LocalSet(idx uint32) { w.Op(OpLocalSet); w.U32(idx) }
func (w *CodeWriter) LocalTee(idx uint32) { w.Op(OpLocalTee); w.U32(idx) }

func (w *CodeWriter) Block(bt BlockType) { w.structured(OpBlock, bt) }
func (w *CodeWriter) Loop(bt BlockType)  { w.structured(OpLoop, bt) }
func (w *CodeWriter) If(bt BlockType)    { w.structured(OpIf, bt) }
func (w *CodeWriter) Else()              { w.Op(OpElse) }
func (w *CodeWriter) End()               { w.Op(OpEnd) }

func (w *CodeWriter) structured(op byte, bt BlockType) {
	w.buf = append(w.buf, op)
	w.buf = AppendSLEB128(w.buf, int64(bt))
}

func (w *CodeWriter) Br(depth uint32)   { w.Op(OpBr); w.U32(depth) }
func (w *CodeWriter) BrIf(depth uint32) { w.Op(OpBrIf); w.U32(depth) }

func (w *CodeWriter) BrTable(targets []uint32, def uint32) {
	w.Op(OpBrTable)
	w.U32(uint32(len(targets)))
	for _, t := range targets {
		w.U32(t)
	}
	w.U32(def)
}

func (w *CodeWriter) Call(funcIdx uint32) { w.Op(OpCall); w.U32(funcIdx) }
