package pool

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// retireReason labels why a handle left circulation.
type retireReason string

const (
	retireExpired  retireReason = "expired"
	retireLimit    retireReason = "limit"
	retireOverflow retireReason = "overflow"
	retireClosed   retireReason = "closed"
)

// handle is one reusable *http.Client together with its usage bookkeeping.
// A handle is only ever touched by the caller that checked it out, so its
// fields need no locking.
type handle struct {
	id        string
	client    *http.Client
	requests  int
	createdAt time.Time
}

func newHandle(client *http.Client, now time.Time) *handle {
	return &handle{
		id:        uuid.NewString(),
		client:    client,
		createdAt: now,
	}
}

// expired reports whether the handle outlived maxAge or served limit
// requests, and if so which rule tripped first.
func (h *handle) expired(now time.Time, maxAge time.Duration, limit int) (retireReason, bool) {
	if now.Sub(h.createdAt) > maxAge {
		return retireExpired, true
	}
	if h.requests >= limit {
		return retireLimit, true
	}
	return "", false
}

// close drops the idle sockets held by the handle's transport. Connections
// still streaming a body are left to finish.
func (h *handle) close() {
	h.client.CloseIdleConnections()
}
