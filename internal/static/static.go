// Package static serves files and directory listings for GET routes
// and handles DELETE within a route's upload directory, per §4.4/§4.5.
package static

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpmsg"
)

// Result describes what the connection layer must do next: either the
// Response is fully formed (error pages, redirects) or a file has been
// opened and should be streamed as a FileDownload action.
type Result struct {
	Response *httpmsg.Response
	File     *os.File
	Size     int64
}

// Serve resolves a GET request against route and returns either a
// ready response or an opened file to stream.
func Serve(route *config.RouteConfig, requestPath string, errorPages map[int]string) (*Result, error) {
	rel := strings.TrimPrefix(requestPath, route.Path)
	rel = strings.TrimPrefix(rel, "/")
	resolved := filepath.Join(route.Root, rel)

	info, err := os.Stat(resolved)
	if err != nil {
		return errorResult(mapStatError(err), errorPages), nil
	}

	if info.IsDir() {
		if !strings.HasSuffix(requestPath, "/") {
			resp := httpmsg.Redirect(301, requestPath+"/")
			return &Result{Response: resp}, nil
		}
		if route.DefaultFile != "" {
			indexPath := filepath.Join(resolved, route.DefaultFile)
			if idxInfo, err := os.Stat(indexPath); err == nil && !idxInfo.IsDir() {
				return openFile(indexPath, idxInfo.Size())
			}
		}
		if route.Autoindex {
			return autoindex(resolved, requestPath)
		}
		return errorResult(403, errorPages), nil
	}

	return openFile(resolved, info.Size())
}

func openFile(resolved string, size int64) (*Result, error) {
	f, err := os.Open(resolved)
	if err != nil {
		return errorResult(mapStatError(err), nil), nil
	}
	resp := httpmsg.NewResponse(200)
	resp.SetHeader("Content-Type", mimeType(resolved))
	resp.SetHeader("Content-Length", fmt.Sprintf("%d", size))
	return &Result{Response: resp, File: f, Size: size}, nil
}

func mapStatError(err error) int {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 404
	case errors.Is(err, os.ErrPermission):
		return 403
	default:
		return 500
	}
}

func errorResult(status int, errorPages map[int]string) *Result {
	resp := httpmsg.NewResponse(status)
	if page, ok := errorPages[status]; ok {
		if body, err := os.ReadFile(page); err == nil {
			resp.SetHeader("Content-Type", mimeType(page))
			resp.SetBody(body)
			return &Result{Response: resp}
		}
	}
	resp.SetHeader("Content-Type", "text/plain")
	resp.SetBody([]byte(fmt.Sprintf("%d %s\n", status, httpmsg.StatusText(status))))
	return &Result{Response: resp}
}

// ServeError builds the response for a given status code, loading the
// server's configured error page if one is set, per §4.11. Exported for
// the engine package to use directly when building error responses.
func ServeError(status int, errorPages map[int]string) (*httpmsg.Response, error) {
	return errorResult(status, errorPages).Response, nil
}

func mimeType(p string) string {
	ext := filepath.Ext(p)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// autoindex generates an HTML directory listing: name, size, mtime,
// sorted by name, per the Open Question decision in §9.
func autoindex(dir, requestPath string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errorResult(mapStatError(err), nil), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>Index of %s</title></head><body>\n", requestPath)
	fmt.Fprintf(&b, "<h1>Index of %s</h1><ul>\n", requestPath)
	if requestPath != "/" {
		b.WriteString(`<li><a href="../">../</a></li>` + "\n")
	}
	for _, e := range entries {
		name := e.Name()
		info, err := e.Info()
		if err != nil {
			continue
		}
		href := path.Join(requestPath, name)
		if e.IsDir() {
			href += "/"
			name += "/"
			fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`+"\n", href, name)
			continue
		}
		fmt.Fprintf(&b, `<li><a href="%s">%s</a> - %s, %s</li>`+"\n",
			href, name, humanize.Bytes(uint64(info.Size())), info.ModTime().Format("2006-01-02 15:04:05"))
	}
	b.WriteString("</ul></body></html>\n")

	resp := httpmsg.NewResponse(200)
	resp.SetHeader("Content-Type", "text/html")
	resp.SetBody([]byte(b.String()))
	return &Result{Response: resp}, nil
}

// Delete removes a file within route.Root/route.UploadDir, per §4.5.
func Delete(route *config.RouteConfig, requestPath string) *httpmsg.Response {
	if route.UploadDir == "" {
		return errorResult(403, nil).Response
	}
	uploadBase, err := filepath.Abs(filepath.Join(route.Root, route.UploadDir))
	if err != nil {
		return errorResult(500, nil).Response
	}
	rel := strings.TrimPrefix(requestPath, route.Path)
	rel = strings.TrimPrefix(rel, "/")
	target, err := filepath.Abs(filepath.Join(uploadBase, rel))
	if err != nil {
		return errorResult(500, nil).Response
	}
	if !strings.HasPrefix(target, uploadBase+string(filepath.Separator)) && target != uploadBase {
		return errorResult(403, nil).Response
	}
	info, err := os.Stat(target)
	if err != nil {
		return errorResult(mapStatError(err), nil).Response
	}
	if info.IsDir() {
		return errorResult(403, nil).Response
	}
	if err := os.Remove(target); err != nil {
		return errorResult(mapStatError(err), nil).Response
	}
	resp := httpmsg.NewResponse(204)
	resp.SetBody(nil)
	return resp
}
