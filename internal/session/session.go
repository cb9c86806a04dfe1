// Package session implements opaque, non-cryptographic session-id issuance
// and TTL-based eviction, per §4.9.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is the per-id bag of server-side state a request handler may
// read or write.
type Session struct {
	Data      map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store owns the session_id -> Session table plus the TTL it enforces.
// Cleanup runs no more than once per TTL window (§4.9).
type Store struct {
	sessions    map[string]*Session
	ttl         time.Duration
	lastCleanup time.Time
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// TTLSeconds reports the configured TTL as whole seconds, for Set-Cookie's
// Max-Age attribute.
func (s *Store) TTLSeconds() int64 { return int64(s.ttl / time.Second) }

// Lookup returns the live session for id, or nil if absent or expired.
func (s *Store) Lookup(id string, now time.Time) *Session {
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if sess.expired(now) {
		delete(s.sessions, id)
		return nil
	}
	return sess
}

// Create mints a fresh session with a newly generated opaque id and
// inserts it, returning both the id and the session.
func (s *Store) Create(now time.Time) (string, *Session) {
	id := NewID(now)
	sess := &Session{
		Data:      make(map[string]string),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.sessions[id] = sess
	return id, sess
}

// Cleanup removes every expired session, but only does real work once per
// TTL window to keep the cost off the hot path.
func (s *Store) Cleanup(now time.Time) {
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < s.ttl {
		return
	}
	s.lastCleanup = now
	for id, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, id)
		}
	}
}

// NewID mints an opaque session identifier. It is not cryptographically
// secure: the clock-derived component is mixed with extra entropy pulled
// from a fresh UUID so two sessions created within the same clock tick on
// a fast loopback test still land on distinct ids.
func NewID(now time.Time) string {
	nanos := uint64(now.UnixNano())
	extra := uuid.New()
	mix := func(v uint64, salt uint64) uint64 {
		v ^= salt
		v *= 0xff51afd7ed558ccd
		v ^= v >> 33
		return v
	}
	saltA := uint64(extra[0])<<56 | uint64(extra[1])<<48 | uint64(extra[2])<<40 | uint64(extra[3])<<32 |
		uint64(extra[4])<<24 | uint64(extra[5])<<16 | uint64(extra[6])<<8 | uint64(extra[7])
	saltB := uint64(extra[8])<<56 | uint64(extra[9])<<48 | uint64(extra[10])<<40 | uint64(extra[11])<<32 |
		uint64(extra[12])<<24 | uint64(extra[13])<<16 | uint64(extra[14])<<8 | uint64(extra[15])

	a := mix(nanos, saltA)
	b := mix(nanos>>32, saltB)
	c := mix(saltA, nanos)
	d := mix(saltB, nanos>>16)

	return fmt.Sprintf("%08x-%08x-%04x-%08x", uint32(a), uint32(b), uint16(c), uint32(d))
}
