package wasm

import "errors"

var errTruncated = errors.New("wasm: truncated LEB128")

func AppendULEB128(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func AppendSLEB128(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// ReadULEB128 decodes an unsigned value and reports how many bytes it used.
func ReadULEB128(buf []byte) (uint32, int, error) {
	var v uint32
	var shift uint
	for i, b := range buf {
		if i == 5 {
			break
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errTruncated
}
