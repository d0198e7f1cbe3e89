// Package cipher implements the reversible Caesar rotation applied to chat
// message bodies. The shift is a shared parameter agreed out-of-band by both
// endpoints; the transform provides delimiter-safe obfuscation only, not
// confidentiality.
package cipher

// Encode rotates every ASCII letter in text by shift positions within its
// case's alphabet, preserving case. All other bytes, including digits,
// punctuation, whitespace, and UTF-8 multibyte sequences, pass through
// unchanged. Shifts outside 0..25 (including negative values) are normalized
// modulo 26.
func Encode(text string, shift int) string {
	shift = normalizeShift(shift)
	if shift == 0 {
		return text
	}

	out := []byte(text)
	for i, b := range out {
		switch {
		case b >= 'a' && b <= 'z':
			out[i] = 'a' + (b-'a'+byte(shift))%26
		case b >= 'A' && b <= 'Z':
			out[i] = 'A' + (b-'A'+byte(shift))%26
		}
	}
	return string(out)
}

// Decode inverts Encode for the same shift: Decode(Encode(t, s), s) == t for
// all t and s.
func Decode(text string, shift int) string {
	return Encode(text, 26-normalizeShift(shift))
}

func normalizeShift(shift int) int {
	shift %= 26
	if shift < 0 {
		shift += 26
	}
	return shift
}
