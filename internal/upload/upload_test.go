package upload

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":        "report.pdf",
		"../../etc/passwd":  "passwd",
		"weird name!!.txt":  "weird_name__.txt",
		".hidden":           "upload_.hidden",
		"":                  "upload_.",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUniquePathAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0o644)
	os.WriteFile(filepath.Join(dir, "a_1.txt"), []byte("1"), 0o644)

	full, name := uniquePath(dir, "a.txt")
	if name != "a_2.txt" {
		t.Errorf("name = %q, want a_2.txt", name)
	}
	if filepath.Base(full) != name {
		t.Errorf("full path base = %q, want %q", filepath.Base(full), name)
	}
}

func TestMultipartFeedSingleFile(t *testing.T) {
	dir := t.TempDir()
	boundary := "X-Boundary"
	m := NewMultipart(dir, boundary)

	body := "--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="file"; filename="hello.txt"` + "\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"Hello, World!\r\n" +
		"--" + boundary + "--\r\n"

	_, done, err := m.Feed([]byte(body), 0)
	if err != nil {
		t.Fatalf("Feed returned %v", err)
	}
	if !done {
		t.Fatal("expected upload to be marked done")
	}
	names := m.SavedNames()
	if len(names) != 1 {
		t.Fatalf("expected one saved file, got %v", names)
	}
	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(data) != "Hello, World!" {
		t.Errorf("saved content = %q, want %q", data, "Hello, World!")
	}
}

func TestMultipartFeedIncrementalAcrossReads(t *testing.T) {
	dir := t.TempDir()
	boundary := "Boundary123"
	m := NewMultipart(dir, boundary)

	full := "--" + boundary + "\r\n" +
		`Content-Disposition: form-data; name="file"; filename="a.txt"` + "\r\n\r\n" +
		"chunked-payload" +
		"\r\n--" + boundary + "--\r\n"

	// Feed one byte at a time to exercise the "not found yet, wait for
	// more" branches of every state.
	var buf []byte
	cursor := 0
	done := false
	for i := 0; i < len(full); i++ {
		buf = append(buf, full[i])
		var err error
		cursor, done, err = m.Feed(buf, cursor)
		if err != nil {
			t.Fatalf("Feed returned %v at byte %d", err, i)
		}
		if done {
			break
		}
	}
	if !done {
		t.Fatal("expected upload to complete")
	}
	names := m.SavedNames()
	if len(names) != 1 {
		t.Fatalf("expected one saved file, got %v", names)
	}
	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(data) != "chunked-payload" {
		t.Errorf("saved content = %q, want %q", data, "chunked-payload")
	}
}

func TestRawUploadNameHasContentTypeExtension(t *testing.T) {
	dir := t.TempDir()
	mgr, f, err := NewRawUpload(dir, "application/json")
	if err != nil {
		t.Fatalf("NewRawUpload returned %v", err)
	}
	defer f.Close()
	names := mgr.SavedNames()
	if len(names) != 1 {
		t.Fatalf("expected one saved name, got %v", names)
	}
	if filepath.Ext(names[0]) != ".json" {
		t.Errorf("extension = %q, want .json", filepath.Ext(names[0]))
	}
}
