// Package upload implements the raw and multipart/form-data upload parsers
// that stream directly to disk, per §4.6.
package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/webservd/webservd/internal/httpmsg"
)

// Manager owns the files written by one in-progress upload request.
type Manager struct {
	dir         string
	savedNames  []string
	boundary    []byte
	state       multipartState
	currentFile *os.File
	currentName string
	headerBuf   []byte
}

type multipartState int

const (
	stateStart multipartState = iota
	stateHeaderSep
	stateNextBoundary
	stateDone
)

// NewRawUpload creates a Manager for a non-multipart body: a single file
// named from a monotonic timestamp stem plus an extension derived from
// Content-Type.
func NewRawUpload(dir, contentType string) (*Manager, *os.File, error) {
	name := rawUploadName(contentType)
	fullPath := filepath.Join(dir, name)
	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return &Manager{dir: dir, savedNames: []string{name}}, f, nil
}

func rawUploadName(contentType string) string {
	ext := extensionFor(contentType)
	return fmt.Sprintf("upload_%d%s", time.Now().UnixNano(), ext)
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "json"):
		return ".json"
	case strings.Contains(contentType, "text/plain"):
		return ".txt"
	case strings.Contains(contentType, "octet-stream"):
		return ".bin"
	default:
		return ".dat"
	}
}

// NewMultipart creates a Manager driving the multipart/form-data state
// machine described in §4.6, writing each part's payload to dir.
func NewMultipart(dir string, boundary string) *Manager {
	return &Manager{
		dir:      dir,
		boundary: []byte("--" + boundary),
	}
}

// SavedNames returns the filenames written so far, for building the
// success response (single Location or a listing).
func (m *Manager) SavedNames() []string { return m.savedNames }

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeFilename applies §4.6's filename rules: basename only, unsafe
// characters replaced with '_', and an "upload_" prefix for empty or
// leading-dot names.
func sanitizeFilename(raw string) string {
	name := filepath.Base(raw)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		name = "upload_" + name
	}
	return name
}

// uniquePath appends _1, _2, ... to name until dir/name does not exist.
func uniquePath(dir, name string) (path, finalName string) {
	candidate := name
	for i := 1; ; i++ {
		full := filepath.Join(dir, candidate)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			return full, candidate
		}
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// Feed advances the multipart state machine over buf starting at cursor,
// consuming as many complete parts as are available and writing their
// payload bytes to disk. It returns the new cursor, whether the upload is
// fully complete (terminal "--boundary--" seen), and any error.
func (m *Manager) Feed(buf []byte, cursor int) (newCursor int, done bool, err error) {
	for {
		switch m.state {
		case stateStart:
			idx := httpmsg.FindSubsequence(buf, m.boundary, cursor)
			if idx < 0 {
				return cursor, false, nil
			}
			after := idx + len(m.boundary)
			if after+1 < len(buf) && buf[after] == '-' && buf[after+1] == '-' {
				return after + 2, true, nil
			}
			crlf := httpmsg.FindCRLF(buf, after)
			if crlf < 0 {
				return cursor, false, nil
			}
			cursor = crlf + 2
			m.state = stateHeaderSep

		case stateHeaderSep:
			idx := httpmsg.FindSubsequence(buf, []byte("\r\n\r\n"), cursor)
			if idx < 0 {
				return cursor, false, nil
			}
			headers := string(buf[cursor:idx])
			name, filename, contentType := parsePartHeaders(headers)
			_ = contentType
			if filename == "" {
				filename = name
			}
			if filename == "" {
				filename = "upload"
			}
			safe := sanitizeFilename(filename)
			fullPath, finalName := uniquePath(m.dir, safe)
			f, oerr := os.Create(fullPath)
			if oerr != nil {
				return cursor, false, oerr
			}
			m.currentFile = f
			m.currentName = finalName
			cursor = idx + 4
			m.state = stateNextBoundary

		case stateNextBoundary:
			idx := httpmsg.FindSubsequence(buf, m.boundary, cursor)
			if idx < 0 {
				margin := len(m.boundary) + 10
				if len(buf)-cursor > margin {
					flushEnd := len(buf) - margin
					if _, werr := m.currentFile.Write(buf[cursor:flushEnd]); werr != nil {
						return cursor, false, werr
					}
					cursor = flushEnd
				}
				return cursor, false, nil
			}
			dataEnd := idx
			if dataEnd >= 2 && buf[dataEnd-2] == '\r' && buf[dataEnd-1] == '\n' {
				dataEnd -= 2
			}
			if dataEnd > cursor {
				if _, werr := m.currentFile.Write(buf[cursor:dataEnd]); werr != nil {
					return cursor, false, werr
				}
			}
			m.currentFile.Close()
			m.savedNames = append(m.savedNames, m.currentName)
			m.currentFile = nil
			cursor = idx
			m.state = stateStart
		}
	}
}

func parsePartHeaders(headers string) (name, filename, contentType string) {
	for _, line := range strings.Split(headers, "\r\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "content-disposition:"):
			name = extractQuoted(line, "name")
			filename = extractQuoted(line, "filename")
		case strings.HasPrefix(lower, "content-type:"):
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				contentType = strings.TrimSpace(parts[1])
			}
		}
	}
	return name, filename, contentType
}

func extractQuoted(s, key string) string {
	marker := key + `="`
	idx := strings.Index(s, marker)
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	end := strings.IndexByte(s[start:], '"')
	if end < 0 {
		return ""
	}
	return s[start : start+end]
}
