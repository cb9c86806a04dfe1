// Package engine is the event loop: the single-threaded, epoll-driven
// dispatcher that owns every listener, client connection, and CGI pipe
// registered with the poller, per §4.1.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webservd/webservd/internal/cgi"
	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpmsg"
	"github.com/webservd/webservd/internal/netio"
	"github.com/webservd/webservd/internal/poller"
	"github.com/webservd/webservd/internal/router"
	"github.com/webservd/webservd/internal/session"
	"github.com/webservd/webservd/internal/static"
	"github.com/webservd/webservd/internal/upload"
)

const (
	keepAliveTimeout  = 5 * time.Second
	readChunkSize     = 32 * 1024
	downloadChunkSize = 8 * 1024
	cgiReadChunkSize  = 4096
	pollTimeoutMs     = 1000
	sessionCookieName = "session_id"
	sessionTTL        = 30 * time.Minute
)

// Server owns every piece of mutable state the loop touches: the poller,
// the connection table, the listener set, the router, and the session
// store. No package-level singletons (§9).
type Server struct {
	cfg      *config.Config
	router   *router.Router
	log      *zap.Logger
	sessions *session.Store

	poller      *poller.Poller
	listeners   map[poller.Token]int // token -> listening fd (token==fd)
	connections map[poller.Token]*Connection
	cgiToClient map[poller.Token]poller.Token
}

func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	return &Server{
		cfg:         cfg,
		router:      router.New(cfg),
		log:         log,
		sessions:    session.NewStore(sessionTTL),
		poller:      p,
		listeners:   make(map[poller.Token]int),
		connections: make(map[poller.Token]*Connection),
		cgiToClient: make(map[poller.Token]poller.Token),
	}, nil
}

// bindListeners opens one listening socket per distinct (host, port)
// across all configured server blocks and registers it READABLE.
func (s *Server) bindListeners() error {
	seen := make(map[string]bool)
	for _, sc := range s.cfg.Servers {
		for _, port := range sc.Ports {
			key := fmt.Sprintf("%s:%d", sc.Host, port)
			if seen[key] {
				continue
			}
			seen[key] = true
			fd, err := netio.Listen(sc.Host, port)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", key, err)
			}
			if err := s.poller.Register(fd, poller.Readable); err != nil {
				return fmt.Errorf("register listener %s: %w", key, err)
			}
			s.listeners[poller.Token(fd)] = fd
			s.log.Info("listening", zap.String("addr", key))
		}
	}
	return nil
}

// Run binds every listener and drives the event loop until ctx is
// cancelled (SIGINT/SIGTERM, §12.5) or a fatal poller error occurs.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bindListeners(); err != nil {
		return err
	}
	defer s.poller.Close()

	shuttingDown := false
	var drainDeadline time.Time
	for {
		if ctx.Err() != nil && !shuttingDown {
			shuttingDown = true
			drainDeadline = time.Now().Add(keepAliveTimeout)
			s.stopAccepting()
			s.log.Info("graceful shutdown: draining connections")
		}
		if shuttingDown && time.Now().After(drainDeadline) {
			for _, conn := range s.connections {
				s.teardown(conn)
			}
		}
		if shuttingDown && len(s.connections) == 0 {
			return nil
		}

		events, err := s.poller.Wait(pollTimeoutMs)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		now := time.Now()
		s.sweep(now)

		for _, ev := range events {
			s.dispatch(ev, now)
		}
	}
}

func (s *Server) stopAccepting() {
	for tok, fd := range s.listeners {
		s.poller.Deregister(fd)
		netio.Close(fd)
		delete(s.listeners, tok)
	}
}

// dispatch implements the event dispatch rule from §4.1.
func (s *Server) dispatch(ev poller.Event, now time.Time) {
	if clientTok, ok := s.cgiToClient[ev.Token]; ok {
		if conn, ok := s.connections[clientTok]; ok {
			s.handleCGIEvent(conn, ev, now)
		}
		return
	}
	if fd, ok := s.listeners[ev.Token]; ok {
		s.acceptAll(fd, now)
		return
	}
	if conn, ok := s.connections[ev.Token]; ok {
		s.stepConnection(conn, ev, now)
	}
}

func (s *Server) acceptAll(listenFd int, now time.Time) {
	for {
		fd, peer, err := netio.Accept(listenFd)
		if err != nil {
			if netio.WouldBlock(err) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			return
		}
		conn := NewConnection(fd, peer, now)
		if err := s.poller.Register(fd, poller.Readable); err != nil {
			s.log.Warn("register connection failed", zap.Error(err))
			netio.Close(fd)
			continue
		}
		s.connections[conn.Token] = conn
		s.log.Debug("accepted connection", zap.String("peer", peer))
	}
}

// stepConnection implements §4.10's connection state machine.
func (s *Server) stepConnection(conn *Connection, ev poller.Event, now time.Time) {
	if ev.Error || ev.HangUp {
		s.teardown(conn)
		return
	}
	conn.LastActivity = now

	if ev.Readable && conn.Action.Kind != ActionFileDownload {
		s.readFromClient(conn, now)
		if conn.Closed && conn.Drained() {
			s.teardown(conn)
			return
		}
	}

	if len(conn.WriteBuf) > 0 || conn.Action.Kind == ActionFileDownload {
		s.writeToClient(conn)
	}

	if conn.Drained() {
		if conn.Request.State == httpmsg.StateRequestLine && conn.Request.Cursor < len(conn.Request.Buffer) {
			s.processRequest(conn, now)
		} else if conn.Closed {
			s.teardown(conn)
			return
		} else {
			s.poller.Reregister(conn.Fd, poller.Readable)
		}
	}
}

func (s *Server) readFromClient(conn *Connection, now time.Time) {
	buf := make([]byte, readChunkSize)
	n, err := netio.Read(conn.Fd, buf)
	if err != nil {
		if netio.WouldBlock(err) {
			return
		}
		conn.Closed = true
		return
	}
	if n == 0 {
		conn.Closed = true
		return
	}
	conn.Request.Feed(buf[:n])
	s.processRequest(conn, now)
}

func (s *Server) processRequest(conn *Connection, now time.Time) {
	if conn.Action.Kind == ActionUpload {
		s.feedUpload(conn)
		return
	}

	err := conn.Request.Parse(conn.maxBodySize())
	if err == httpmsg.ErrIncomplete {
		return
	}
	if err != nil {
		status := 400
		if err == httpmsg.ErrPayloadTooLarge {
			status = 413
		}
		s.writeErrorResponse(conn, status, true)
		return
	}
	if conn.Request.State != httpmsg.StateComplete {
		return
	}
	s.handleRequest(conn, now)
}

// requestBody returns the decoded request body regardless of whether it
// landed in the in-memory sink or spilled to a temp file (§4.2's 1 MiB
// cutoff); the spill file is removed once read since nothing else needs it.
func (s *Server) requestBody(conn *Connection) []byte {
	if b := conn.Request.BodyBytes(); b != nil {
		return b
	}
	if conn.Request.BodyFilePath == "" {
		return nil
	}
	b, err := os.ReadFile(conn.Request.BodyFilePath)
	if err != nil {
		s.log.Warn("read spilled body failed", zap.Error(err), zap.String("path", conn.Request.BodyFilePath))
		return nil
	}
	os.Remove(conn.Request.BodyFilePath)
	return b
}

func (c *Connection) maxBodySize() int64 {
	if c.Server != nil {
		return c.Server.MaxBodySize
	}
	return config.DefaultMaxBodySize
}

func (s *Server) writeToClient(conn *Connection) {
	// Ask for writable events while bytes or a file are still pending, so
	// the rest is sent on the next writable notification.
	defer func() {
		interest := poller.Readable
		if len(conn.WriteBuf) > 0 || conn.Action.Kind == ActionFileDownload {
			interest |= poller.Writable
		}
		s.poller.Reregister(conn.Fd, interest)
	}()
	for {
		if len(conn.WriteBuf) > 0 {
			n, err := netio.Write(conn.Fd, conn.WriteBuf)
			if err != nil {
				if netio.WouldBlock(err) {
					return
				}
				conn.Closed = true
				return
			}
			conn.WriteBuf = conn.WriteBuf[n:]
			if len(conn.WriteBuf) > 0 {
				return
			}
		}
		if conn.Action.Kind == ActionFileDownload {
			s.pumpDownload(conn)
			if conn.Action.Kind == ActionFileDownload {
				return
			}
			continue
		}
		return
	}
}

func (s *Server) pumpDownload(conn *Connection) {
	buf := make([]byte, downloadChunkSize)
	n, err := conn.Action.DownloadFile.Read(buf)
	if n > 0 {
		conn.WriteBuf = append(conn.WriteBuf, buf[:n]...)
		conn.Action.DownloadRemaining -= int64(n)
	}
	if err != nil || conn.Action.DownloadRemaining <= 0 {
		conn.Action.DownloadFile.Close()
		conn.Action = ActiveAction{}
		s.finishExchange(conn)
	}
}

// handleRequest resolves the route and either builds a response directly
// or installs the appropriate ActiveAction.
func (s *Server) handleRequest(conn *Connection, now time.Time) {
	req := conn.Request
	hostHeader := req.Headers["host"]
	server := s.router.ResolveServer(hostHeader)
	if server == nil {
		s.writeErrorResponse(conn, 500, true)
		return
	}
	conn.Server = server

	route, rerr := s.router.Resolve(server, req.URL, methodForRouting(req))
	if rerr != nil {
		status := 404
		if rerr == router.ErrMethodNotAllowed {
			status = 405
		}
		s.writeErrorResponse(conn, status, false)
		return
	}
	conn.Route = route

	s.applySession(conn, now)

	if route.Redirect != "" {
		s.sendResponse(conn, httpmsg.Redirect(301, route.Redirect), nil)
		return
	}

	switch req.Method {
	case httpmsg.MethodGet:
		s.handleStatic(conn, server, route)
	case httpmsg.MethodPost:
		s.handlePost(conn, server, route)
	case httpmsg.MethodDelete:
		resp := static.Delete(route, req.URL)
		s.sendResponse(conn, resp, nil)
	default:
		s.writeErrorResponse(conn, 501, true)
	}
}

func methodForRouting(req *httpmsg.Request) string {
	if req.RawMethod == "HEAD" {
		return "GET"
	}
	return req.Method.String()
}

func (s *Server) handleStatic(conn *Connection, server *config.ServerConfig, route *config.RouteConfig) {
	if route.CGIExt != "" && strings.HasSuffix(conn.Request.URL, route.CGIExt) {
		s.startCGI(conn, server, route)
		return
	}
	res, err := static.Serve(route, conn.Request.URL, server.ErrorPages)
	if err != nil {
		s.writeErrorResponse(conn, 500, true)
		return
	}
	if res.File != nil {
		isHead := conn.Request.RawMethod == "HEAD"
		conn.WriteBuf = append(conn.WriteBuf, res.Response.ToBytesHeadersOnly()...)
		if isHead {
			res.File.Close()
			s.finishExchange(conn)
			return
		}
		conn.Action = ActiveAction{Kind: ActionFileDownload, DownloadFile: res.File, DownloadRemaining: res.Size}
		return
	}
	s.sendResponse(conn, res.Response, nil)
}

func (s *Server) handlePost(conn *Connection, server *config.ServerConfig, route *config.RouteConfig) {
	if route.CGIExt != "" && strings.HasSuffix(conn.Request.URL, route.CGIExt) {
		s.startCGI(conn, server, route)
		return
	}

	uploadDir := route.Root
	if route.UploadDir != "" {
		uploadDir = route.Root + "/" + route.UploadDir
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		s.writeErrorResponse(conn, 500, true)
		return
	}

	contentType := conn.Request.Headers["content-type"]
	if boundary, ok := multipartBoundary(contentType); ok {
		mgr := upload.NewMultipart(uploadDir, boundary)
		conn.Action = ActiveAction{Kind: ActionUpload, UploadMgr: mgr}
		body := s.requestBody(conn)
		_, _, err := mgr.Feed(body, 0)
		if err != nil {
			conn.Action = ActiveAction{}
			s.writeErrorResponse(conn, 400, true)
			return
		}
		s.finishUpload(conn, route)
		return
	}

	mgr, f, err := upload.NewRawUpload(uploadDir, contentType)
	if err != nil {
		s.writeErrorResponse(conn, 500, true)
		return
	}
	body := s.requestBody(conn)
	if len(body) > 0 {
		f.Write(body)
	}
	f.Close()
	s.sendUploadResult(conn, route, mgr.SavedNames())
}

func multipartBoundary(contentType string) (string, bool) {
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		return "", false
	}
	idx := strings.Index(contentType, "boundary=")
	if idx < 0 {
		return "", false
	}
	b := contentType[idx+len("boundary="):]
	b = strings.Trim(b, `"`)
	return b, true
}

func (s *Server) feedUpload(conn *Connection) {
	// Multipart requests that spilled past the initial read keep arriving
	// via readFromClient -> processRequest, which for ActionUpload just
	// means more body bytes are already in conn.Request.Buffer.
	s.finishUpload(conn, conn.Route)
}

func (s *Server) finishUpload(conn *Connection, route *config.RouteConfig) {
	mgr := conn.Action.UploadMgr
	conn.Action = ActiveAction{}
	s.sendUploadResult(conn, route, mgr.SavedNames())
}

func (s *Server) sendUploadResult(conn *Connection, route *config.RouteConfig, names []string) {
	if len(names) == 0 {
		s.writeErrorResponse(conn, 500, true)
		return
	}
	resp := httpmsg.NewResponse(201)
	if len(names) == 1 {
		resp.SetHeader("Location", route.Path+"/"+names[0])
		resp.SetBody(nil)
	} else {
		resp.SetHeader("Content-Type", "text/plain")
		resp.SetBody([]byte(strings.Join(names, "\n") + "\n"))
	}
	s.sendResponse(conn, resp, nil)
}

func (s *Server) startCGI(conn *Connection, server *config.ServerConfig, route *config.RouteConfig) {
	req := conn.Request
	scriptPath := route.Root + strings.TrimPrefix(req.URL, route.Path)
	host, port := splitHostPort(conn.PeerAddr)
	body := s.requestBody(conn)
	env := cgi.Env(req.RawMethod, req.URL, route.Path, server.ServerName, host, port,
		req.Headers["content-type"], int64(len(body)), req.RawQuery, req.Headers)

	proc, err := cgi.Spawn(route.CGIExt, scriptPath, env)
	if err != nil {
		s.log.Warn("cgi spawn failed", zap.Error(err), zap.String("script", scriptPath))
		s.writeErrorResponse(conn, 500, true)
		return
	}

	inFd := int(proc.StdinPipe.Fd())
	outFd := int(proc.StdoutPipe.Fd())
	poller.SetNonblocking(inFd)
	poller.SetNonblocking(outFd)
	s.poller.Register(outFd, poller.Readable)
	s.poller.Register(inFd, poller.Writable)
	s.cgiToClient[poller.Token(outFd)] = conn.Token
	s.cgiToClient[poller.Token(inFd)] = conn.Token

	proc.AppendStdin(body)
	proc.BodyRemaining = 0

	conn.Action = ActiveAction{Kind: ActionCGI, CGI: proc, CGIInFd: inFd, CGIOutFd: outFd}
	s.log.Info("spawned cgi process", zap.String("script", scriptPath), zap.Int("pid", proc.Cmd.Process.Pid))
}

func splitHostPort(addr string) (string, string) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

func (s *Server) handleCGIEvent(conn *Connection, ev poller.Event, now time.Time) {
	proc := conn.Action.CGI
	if proc == nil {
		return
	}

	if int(ev.Token) == conn.Action.CGIOutFd && ev.Readable {
		buf := make([]byte, cgiReadChunkSize)
		n, err := proc.StdoutPipe.Read(buf)
		if n > 0 {
			out, status, headers, headerDone := proc.FeedStdout(buf[:n], conn.Request.Headers["content-length"])
			if headerDone {
				resp := httpmsg.NewResponse(status)
				for k, v := range headers {
					resp.SetHeader(httpmsg.CanonicalHeaderName(k), v)
				}
				if proc.ParseState == cgi.StreamBodyChunked {
					resp.SetHeader("Transfer-Encoding", "chunked")
				}
				conn.WriteBuf = append(conn.WriteBuf, resp.ToBytesHeadersOnly()...)
			}
			conn.WriteBuf = append(conn.WriteBuf, out...)
			s.writeToClient(conn)
		}
		if n == 0 || err != nil {
			conn.WriteBuf = append(conn.WriteBuf, proc.EOFTerminator()...)
			s.detachCGIOut(conn)
		}
	}

	if int(ev.Token) == conn.Action.CGIInFd && ev.Writable {
		written, err := proc.DrainStdin(func(b []byte) (int, error) {
			return netio.Write(conn.Action.CGIInFd, b)
		})
		_ = written
		if err != nil && !netio.WouldBlock(err) {
			s.detachCGIIn(conn)
		} else if len(proc.StdinBuf) == 0 {
			s.detachCGIIn(conn)
		}
	}

	proc.TryReap()
}

func (s *Server) detachCGIOut(conn *Connection) {
	proc := conn.Action.CGI
	if proc == nil || conn.Action.CGIOutFd == 0 {
		return
	}
	s.poller.Deregister(conn.Action.CGIOutFd)
	delete(s.cgiToClient, poller.Token(conn.Action.CGIOutFd))
	proc.StdoutPipe.Close()
	conn.Action.CGIOutFd = 0
	if conn.Action.CGIInFd == 0 {
		s.finalizeCGI(conn)
	}
}

func (s *Server) detachCGIIn(conn *Connection) {
	proc := conn.Action.CGI
	if proc == nil || conn.Action.CGIInFd == 0 {
		return
	}
	s.poller.Deregister(conn.Action.CGIInFd)
	delete(s.cgiToClient, poller.Token(conn.Action.CGIInFd))
	proc.StdinPipe.Close()
	conn.Action.CGIInFd = 0
	if conn.Action.CGIOutFd == 0 {
		s.finalizeCGI(conn)
	}
}

func (s *Server) finalizeCGI(conn *Connection) {
	conn.Action.CGI.TryReap()
	s.log.Info("cgi process exited")
	conn.Action = ActiveAction{}
	s.finishExchange(conn)
}

// killAndReapCGI force-terminates a CGI child on timeout, per §4.7/§4.12.
func (s *Server) killAndReapCGI(conn *Connection) {
	proc := conn.Action.CGI
	if proc == nil {
		return
	}
	proc.KillGroup()
	for i := 0; i < 10 && !proc.TryReap(); i++ {
		time.Sleep(time.Millisecond)
	}
	if conn.Action.CGIInFd != 0 {
		s.poller.Deregister(conn.Action.CGIInFd)
		delete(s.cgiToClient, poller.Token(conn.Action.CGIInFd))
	}
	if conn.Action.CGIOutFd != 0 {
		s.poller.Deregister(conn.Action.CGIOutFd)
		delete(s.cgiToClient, poller.Token(conn.Action.CGIOutFd))
	}
	proc.Close()
	headerSent := proc.ParseState != cgi.ReadHeaders
	conn.Action = ActiveAction{}
	if !headerSent {
		s.writeErrorResponse(conn, 504, true)
	} else {
		if proc.ParseState == cgi.StreamBodyChunked {
			conn.WriteBuf = append(conn.WriteBuf, []byte("0\r\n\r\n")...)
		}
		conn.Closed = true
	}
}

func (s *Server) applySession(conn *Connection, now time.Time) {
	cookies := httpmsg.ParseCookies(conn.Request.Headers["cookie"])
	if id, ok := cookies[sessionCookieName]; ok {
		if sess := s.sessions.Lookup(id, now); sess != nil {
			conn.SessionID = id
			return
		}
	}
	id, _ := s.sessions.Create(now)
	conn.SessionID = id
}

func (s *Server) sendResponse(conn *Connection, resp *httpmsg.Response, _ []byte) {
	if conn.SessionID != "" {
		resp.SetHeader("Set-Cookie", httpmsg.SetCookie(sessionCookieName, conn.SessionID, s.sessions.TTLSeconds()))
		for k, v := range httpmsg.NoCacheHeaders() {
			resp.SetHeader(k, v)
		}
	}
	if conn.Request.RawMethod == "HEAD" {
		conn.WriteBuf = append(conn.WriteBuf, resp.ToBytesHeadersOnly()...)
	} else {
		conn.WriteBuf = append(conn.WriteBuf, resp.ToBytes()...)
	}
	s.finishExchange(conn)
}

func (s *Server) writeErrorResponse(conn *Connection, status int, forceClose bool) {
	pages := map[int]string{}
	if conn.Server != nil {
		pages = conn.Server.ErrorPages
	}
	res, _ := static.ServeError(status, pages)
	if forceClose {
		res.SetHeader("Connection", "close")
		conn.Closed = true
	}
	conn.WriteBuf = append(conn.WriteBuf, res.ToBytes()...)
	s.finishExchange(conn)
}

// finishExchange resets the request parser for the next pipelined request
// (or marks the connection for teardown once drained), implementing the
// buffer-trim-and-reset half of §3/§4.1's keep-alive policy.
func (s *Server) finishExchange(conn *Connection) {
	if conn.Request.Headers["connection"] == "close" {
		conn.Closed = true
	}
	conn.Request.Reset()
	s.writeToClient(conn)
}

func (s *Server) teardown(conn *Connection) {
	if conn.Action.Kind == ActionCGI {
		s.killAndReapCGI(conn)
	}
	if conn.Action.DownloadFile != nil {
		conn.Action.DownloadFile.Close()
	}
	s.poller.Deregister(conn.Fd)
	netio.Close(conn.Fd)
	delete(s.connections, conn.Token)
}

// sweep is the periodic timeout scan from §4.12.
func (s *Server) sweep(now time.Time) {
	s.sessions.Cleanup(now)
	for _, conn := range s.connections {
		if conn.Action.Kind == ActionCGI && conn.Action.CGI.TimedOut(now) {
			s.killAndReapCGI(conn)
			s.teardown(conn)
			continue
		}
		if conn.Idle(now, keepAliveTimeout) && conn.Action.Kind == ActionNone {
			s.teardown(conn)
		}
	}
}
