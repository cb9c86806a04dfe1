package httpmsg

import "testing"

func TestFindCRLF(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	idx := FindCRLF(buf, 0)
	if idx != 14 {
		t.Errorf("FindCRLF = %d, want 14", idx)
	}
	if FindCRLF(buf, len(buf)) != -1 {
		t.Errorf("FindCRLF past end should be -1")
	}
}

func TestFindSubsequence(t *testing.T) {
	buf := []byte("abc--boundary\r\ndata")
	idx := FindSubsequence(buf, []byte("--boundary"), 0)
	if idx != 3 {
		t.Errorf("FindSubsequence = %d, want 3", idx)
	}
	if FindSubsequence(buf, []byte("nope"), 0) != -1 {
		t.Error("expected -1 for missing needle")
	}
}
