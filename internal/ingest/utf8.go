package ingest

import "unicode/utf8"

// sanitizeUTF8 replaces invalid UTF-8 bytes with U+FFFD. Valid input is
// returned as is without allocating.
func sanitizeUTF8(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, false
	}

	out := make([]byte, 0, len(s)+len(s)/8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			out = append(out, "�"...)
			i++
			continue
		}
		out = append(out, s[i:i+size]...)
		i += size
	}
	return string(out), true
}
