//go:build integration

// Package-level integration test: drives a real instance of this server's
// event loop with a plain net/http client, the way §12.7 calls for
// (no caddy binary to build here, unlike the teacher's own harness).
package webservd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/engine"
)

func startTestServer(t *testing.T, cfg *config.Config) (addr string, stop func()) {
	t.Helper()
	srv, err := engine.New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()

	addr = fmt.Sprintf("%s:%d", cfg.Servers[0].Host, cfg.Servers[0].Ports[0])
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/__healthcheck_probe__")
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("server did not shut down within grace window")
		}
	}
}

func TestEndToEndStaticGet(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>it works</h1>"), 0o644)

	cfg := &config.Config{Servers: []config.ServerConfig{{
		Host: "127.0.0.1", Ports: []int{18080}, ServerName: "_", DefaultServer: true, MaxBodySize: 1 << 20,
		Routes: []config.RouteConfig{{Path: "/", Root: root, DefaultFile: "index.html", Methods: []string{"GET"}}},
	}}}
	addr, stop := startTestServer(t, cfg)
	defer stop()

	resp, err := http.Get("http://" + addr + "/index.html")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<h1>it works</h1>" {
		t.Errorf("body = %q", body)
	}
}

func TestEndToEndUnknownRouteReturns404(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{Servers: []config.ServerConfig{{
		Host: "127.0.0.1", Ports: []int{18081}, ServerName: "_", DefaultServer: true, MaxBodySize: 1 << 20,
		Routes: []config.RouteConfig{{Path: "/only", Root: root, Methods: []string{"GET"}}},
	}}}
	addr, stop := startTestServer(t, cfg)
	defer stop()

	resp, err := http.Get("http://" + addr + "/search?q=rust")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEndToEndPostUpload(t *testing.T) {
	root := t.TempDir()
	uploadDir := filepath.Join(root, "uploads")
	os.MkdirAll(uploadDir, 0o755)

	cfg := &config.Config{Servers: []config.ServerConfig{{
		Host: "127.0.0.1", Ports: []int{18082}, ServerName: "_", DefaultServer: true, MaxBodySize: 1 << 20,
		Routes: []config.RouteConfig{{Path: "/api", Root: root, UploadDir: "uploads", Methods: []string{"GET", "POST"}}},
	}}}
	addr, stop := startTestServer(t, cfg)
	defer stop()

	resp, err := http.Post("http://"+addr+"/api", "text/plain", newReader("Hello, World!"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		t.Fatal("expected a Location header")
	}

	entries, _ := os.ReadDir(uploadDir)
	if len(entries) != 1 {
		t.Fatalf("expected one uploaded file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(uploadDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(data) != "Hello, World!" {
		t.Errorf("uploaded content = %q, want %q", data, "Hello, World!")
	}
}

func newReader(s string) io.Reader {
	return &stringReader{s: s}
}

type stringReader struct {
	s string
	i int
}

func (r *stringReader) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}
