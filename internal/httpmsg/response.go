package httpmsg

import (
	"bytes"
	"fmt"
	"net/textproto"
	"sort"
)

// CanonicalHeaderName converts a lowercased header name (as CGI scripts
// and the request parser both produce) into the Pascal-Case form the wire
// format uses, e.g. "content-type" -> "Content-Type".
func CanonicalHeaderName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Response is an outbound HTTP/1.1 message. Header keys are stored
// Canonical-Case as they'll be written on the wire.
type Response struct {
	Version string
	Status  int
	Headers map[string]string
	Body    []byte
}

var statusText = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Unknown"
}

func NewResponse(status int) *Response {
	return &Response{
		Version: "HTTP/1.1",
		Status:  status,
		Headers: make(map[string]string),
	}
}

func (r *Response) SetHeader(key, value string) {
	r.Headers[key] = value
}

func (r *Response) SetBody(body []byte) {
	r.Body = body
	r.Headers["Content-Length"] = fmt.Sprintf("%d", len(body))
}

// Redirect builds a 3xx response with Location set, Connection: close, and
// an empty body.
func Redirect(code int, location string) *Response {
	resp := NewResponse(code)
	resp.SetHeader("Location", location)
	resp.SetHeader("Connection", "close")
	resp.SetBody(nil)
	return resp
}

// ToBytes serializes the full response, status line through body.
func (r *Response) ToBytes() []byte {
	var buf bytes.Buffer
	buf.Write(r.headBytes())
	buf.Write(r.Body)
	return buf.Bytes()
}

// ToBytesHeadersOnly serializes the status line and headers without the
// body, for file downloads and CGI responses whose body is streamed
// separately.
func (r *Response) ToBytesHeadersOnly() []byte {
	return r.headBytes()
}

func (r *Response) headBytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", r.Version, r.Status, StatusText(r.Status))
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, r.Headers[k])
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
