package engine

import (
	"os"
	"time"

	"github.com/webservd/webservd/internal/cgi"
	"github.com/webservd/webservd/internal/config"
	"github.com/webservd/webservd/internal/httpmsg"
	"github.com/webservd/webservd/internal/poller"
	"github.com/webservd/webservd/internal/upload"
)

// ActionKind discriminates the tagged ActiveAction variant from §3.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionUpload
	ActionFileDownload
	ActionCGI
	ActionDiscard
)

// ActiveAction is the at-most-one streaming workload a connection is
// carrying across event-loop turns.
type ActiveAction struct {
	Kind ActionKind

	UploadMgr   *upload.Manager
	UploadFile  *os.File // raw-mode destination; nil in multipart mode

	DownloadFile      *os.File
	DownloadRemaining int64

	CGI       *cgi.Process
	CGIInFd   int
	CGIOutFd  int

	DiscardRemaining int64
}

// Connection is the per-client record the event loop steps on every
// readable/writable notification, per §3/§4.10.
type Connection struct {
	Fd       int
	Token    poller.Token
	PeerAddr string

	Server *config.ServerConfig
	Route  *config.RouteConfig

	Request     *httpmsg.Request
	WriteBuf    []byte
	Action      ActiveAction

	LastActivity time.Time
	Closed       bool
	LingerUntil  time.Time

	SessionID string

	keepAliveDefault bool
}

func NewConnection(fd int, peerAddr string, now time.Time) *Connection {
	return &Connection{
		Fd:           fd,
		Token:        poller.Token(fd),
		PeerAddr:     peerAddr,
		Request:      httpmsg.NewRequest(),
		LastActivity: now,
	}
}

// Idle reports whether this connection has had no activity for longer than
// timeout, for the sweeper in §4.12.
func (c *Connection) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastActivity) > timeout
}

// Drained reports whether there is nothing left to write and no streaming
// action in progress, the precondition for either pipelining the next
// buffered request or tearing down (§4.1's keep-alive/close policy).
func (c *Connection) Drained() bool {
	return len(c.WriteBuf) == 0 && c.Action.Kind == ActionNone
}
