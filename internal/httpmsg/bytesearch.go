package httpmsg

import "bytes"

// FindCRLF returns the absolute index of the first "\r\n" in buffer at or
// after start, or -1 if not present yet.
func FindCRLF(buffer []byte, start int) int {
	if start < 0 || start >= len(buffer) {
		return -1
	}
	idx := bytes.Index(buffer[start:], []byte("\r\n"))
	if idx < 0 {
		return -1
	}
	return start + idx
}

// FindSubsequence returns the absolute index of the first occurrence of
// needle in buffer at or after start, or -1 if not found.
func FindSubsequence(buffer, needle []byte, start int) int {
	if len(needle) == 0 || start < 0 || start > len(buffer) {
		return -1
	}
	idx := bytes.Index(buffer[start:], needle)
	if idx < 0 {
		return -1
	}
	return start + idx
}

func indexByte(b []byte, c byte) int {
	return bytes.IndexByte(b, c)
}
