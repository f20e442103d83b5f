package serialframe

// EncodeCOBS applies Consistent Overhead Byte Stuffing to b. The result
// never contains a 0x00 byte; the caller appends the 0x00 delimiter
// separately. DecodeCOBS is the exact inverse.
func EncodeCOBS(b []byte) []byte {
	if len(b) == 0 {
		return []byte{0x01}
	}

	out := make([]byte, 0, len(b)+len(b)/254+2)
	codeIdx := 0
	out = append(out, 0) // placeholder for first code byte
	code := byte(1)

	for _, c := range b {
		if c == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, c)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

// DecodeCOBS reverses EncodeCOBS. It returns false if b is not a
// well-formed COBS block (e.g. a code byte points past the end of the
// buffer).
func DecodeCOBS(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}

	out := make([]byte, 0, len(b))
	i := 0
	for i < len(b) {
		code := int(b[i])
		if code == 0 {
			return nil, false
		}
		i++
		blockEnd := i + code - 1
		if blockEnd > len(b) {
			return nil, false
		}
		out = append(out, b[i:blockEnd]...)
		i = blockEnd
		if code < 0xFF && i < len(b) {
			out = append(out, 0)
		}
	}
	return out, true
}
