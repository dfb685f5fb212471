// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"sync"

	"github.com/toole-brendan/shell/internal/scripthash"
	"github.com/toole-brendan/shell/internal/status"
)

// Session holds the per-connection state a dispatcher needs across
// requests: which scripthashes this peer has subscribed to, whether it
// negotiated a protocol version, and whether it wants header
// notifications.
type Session struct {
	mu sync.Mutex

	versioned bool

	headersSubscribed bool
	lastTipHeight     int32

	subscriptions map[scripthash.Hash]*status.Status
}

// NewSession returns an empty session for a newly accepted peer.
func NewSession() *Session {
	return &Session{subscriptions: make(map[scripthash.Hash]*status.Status)}
}

func (s *Session) markVersioned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versioned = true
}

func (s *Session) isVersioned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versioned
}

func (s *Session) subscribeHeaders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headersSubscribed = true
}

// IsHeadersSubscribed reports whether this peer has sent
// blockchain.headers.subscribe and wants tip-change notifications.
func (s *Session) IsHeadersSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headersSubscribed
}

// LastNotifiedHeight returns the tip height most recently sent to this
// peer, so the sync loop only pushes a notification when it advances.
func (s *Session) LastNotifiedHeight() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTipHeight
}

// SetLastNotifiedHeight records the tip height just sent to this peer.
func (s *Session) SetLastNotifiedHeight(height int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTipHeight = height
}

func (s *Session) subscribeScripthash(sh scripthash.Hash) *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.subscriptions[sh]; ok {
		return st
	}
	st := status.New(sh)
	s.subscriptions[sh] = st
	return st
}

// Subscriptions returns a snapshot of the session's currently subscribed
// statuses, for the sync loop to recompute and diff.
func (s *Session) Subscriptions() []*status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*status.Status, 0, len(s.subscriptions))
	for _, st := range s.subscriptions {
		out = append(out, st)
	}
	return out
}
