package httpmsg

import (
	"bytes"
	"testing"
)

func TestParseSimpleGetRequest(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET /index.html?q=1 HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	if err := r.Parse(1 << 20); err != nil {
		t.Fatalf("Parse returned %v, want nil", err)
	}
	if r.State != StateComplete {
		t.Fatalf("state = %v, want StateComplete", r.State)
	}
	if r.Method != MethodGet {
		t.Errorf("method = %v, want GET", r.Method)
	}
	if r.URL != "/index.html" {
		t.Errorf("url = %q, want /index.html", r.URL)
	}
	if r.RawQuery != "q=1" {
		t.Errorf("query = %q, want q=1", r.RawQuery)
	}
	if r.Headers["host"] != "localhost" {
		t.Errorf("host header = %q, want localhost", r.Headers["host"])
	}
}

func TestParseFedOneByteAtATime(t *testing.T) {
	whole := NewRequest()
	whole.Feed([]byte("POST /api HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"))
	if err := whole.Parse(1 << 20); err != nil {
		t.Fatalf("bulk parse: %v", err)
	}

	incremental := NewRequest()
	incremental.Sink = NewMemorySink()
	msg := []byte("POST /api HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	for i := 0; i < len(msg); i++ {
		incremental.Feed(msg[i : i+1])
		err := incremental.Parse(1 << 20)
		if err != nil && !IsIncomplete(err) {
			t.Fatalf("byte-at-a-time parse failed at %d: %v", i, err)
		}
	}
	if incremental.State != StateComplete {
		t.Fatalf("incremental state = %v, want StateComplete", incremental.State)
	}
	if !bytes.Equal(incremental.BodyBytes(), []byte("hello")) {
		t.Errorf("body = %q, want hello", incremental.BodyBytes())
	}
}

func TestParseChunkedBody(t *testing.T) {
	r := NewRequest()
	r.Sink = NewMemorySink()
	r.Feed([]byte("POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHello\r\n6\r\n World\r\n0\r\n\r\n"))
	if err := r.Parse(1 << 20); err != nil {
		t.Fatalf("Parse returned %v", err)
	}
	if r.State != StateComplete {
		t.Fatalf("state = %v, want StateComplete", r.State)
	}
	if got := string(r.BodyBytes()); got != "Hello World" {
		t.Errorf("body = %q, want %q", got, "Hello World")
	}
}

func TestParseChunkedBodyMissingTerminatorIsIncomplete(t *testing.T) {
	r := NewRequest()
	r.Sink = NewMemorySink()
	r.Feed([]byte("POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHello\r\n"))
	err := r.Parse(1 << 20)
	if !IsIncomplete(err) {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
}

func TestParseInvalidMethod(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("PATCH /x HTTP/1.1\r\n\r\n"))
	err := r.Parse(1 << 20)
	if err != ErrInvalidMethod {
		t.Fatalf("err = %v, want ErrInvalidMethod", err)
	}
	if r.State != StateError {
		t.Errorf("state = %v, want StateError", r.State)
	}
}

func TestParseMalformedRequestLine(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET\r\n\r\n"))
	err := r.Parse(1 << 20)
	if err != ErrMalformedRequestLine {
		t.Fatalf("err = %v, want ErrMalformedRequestLine", err)
	}
}

func TestParseBodyExactlyAtMaxSucceeds(t *testing.T) {
	r := NewRequest()
	r.Sink = NewMemorySink()
	body := bytes.Repeat([]byte("a"), 10)
	r.Feed([]byte("POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\n"))
	r.Feed(body)
	if err := r.Parse(10); err != nil {
		t.Fatalf("Parse returned %v, want nil", err)
	}
	if r.State != StateComplete {
		t.Fatalf("state = %v, want StateComplete", r.State)
	}
}

func TestParseBodyOverMaxReturnsPayloadTooLarge(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("POST /x HTTP/1.1\r\nContent-Length: 11\r\n\r\n"))
	err := r.Parse(10)
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestParseHeaderWithoutColonIsInvalid(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET / HTTP/1.1\r\nBadHeaderLine\r\n\r\n"))
	err := r.Parse(1 << 20)
	if err != ErrInvalidHeaderName {
		t.Fatalf("err = %v, want ErrInvalidHeaderName", err)
	}
}

func TestParseChunkedInvalidHexSize(t *testing.T) {
	r := NewRequest()
	r.Sink = NewMemorySink()
	r.Feed([]byte("POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nZZ\r\n"))
	err := r.Parse(1 << 20)
	if err != ErrParseHex {
		t.Fatalf("err = %v, want ErrParseHex", err)
	}
}

func TestRequestResetKeepsPipelinedTail(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n"))
	if err := r.Parse(1 << 20); err != nil {
		t.Fatalf("first parse: %v", err)
	}
	r.Reset()
	if err := r.Parse(1 << 20); err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if r.URL != "/b" {
		t.Errorf("url = %q, want /b", r.URL)
	}
}

func TestCursorNeverExceedsBufferLength(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET / HTTP/1.1\r\n\r\n"))
	r.Parse(1 << 20)
	if r.Cursor < 0 || r.Cursor > len(r.Buffer) {
		t.Fatalf("cursor %d out of bounds for buffer len %d", r.Cursor, len(r.Buffer))
	}
}

func TestMethodAllowed(t *testing.T) {
	if !MethodGet.Allowed([]string{"GET", "POST"}) {
		t.Fatal("GET should be allowed")
	}
	if MethodDelete.Allowed([]string{"GET", "POST"}) {
		t.Fatal("DELETE should not be allowed")
	}
}
