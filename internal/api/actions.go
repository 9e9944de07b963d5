package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/harborview/realtime/internal/hub"
	"github.com/harborview/realtime/wire"
)

const (
	idempotencyCacheSize = 4096
	idempotencyCacheTTL  = 24 * time.Hour
)

// Mutator applies a domain mutation and describes the event to broadcast.
//
// A returned error means the attempt failed for reasons that may clear up
// (it is not cached and the client retries); *wire.ConflictError is the
// exception and maps to a definite conflict result. A non-success
// ActionResult is a definite rejection and is cached against the
// idempotency key like a success.
type Mutator func(ctx context.Context, subscriberID string, sub wire.ActionSubmission) (wire.ActionResult, error)

// actionHandler runs the action submission endpoint. Results are cached by
// idempotency key so replaying an already-applied action returns the
// recorded outcome instead of mutating twice.
type actionHandler struct {
	mutate Mutator
	hub    hub.Broadcaster

	results *expirable.LRU[string, wire.ActionResult]

	mu       sync.Mutex
	inflight map[string]chan struct{}

	logTags log.Fields
}

func newActionHandler(mutate Mutator, b hub.Broadcaster) *actionHandler {
	return &actionHandler{
		mutate:   mutate,
		hub:      b,
		results:  expirable.NewLRU[string, wire.ActionResult](idempotencyCacheSize, nil, idempotencyCacheTTL),
		inflight: make(map[string]chan struct{}),
		logTags:  log.Fields{"module": "api", "component": "actions"},
	}
}

func (h *actionHandler) handle(c *gin.Context) {
	origin, ok := subscriberID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var sub wire.ActionSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, wire.ActionResult{Result: wire.ResultError, Message: "malformed submission"})
		return
	}
	if sub.IdempotencyKey == "" || sub.Kind == "" {
		c.JSON(http.StatusBadRequest, wire.ActionResult{Result: wire.ResultError, Message: "idempotencyKey and actionKind are required"})
		return
	}

	res, cached, err := h.apply(c.Request.Context(), origin, sub)
	if err != nil {
		log.WithError(err).WithFields(h.logTags).WithField("key", sub.IdempotencyKey).Error("Mutation failed")
		c.JSON(http.StatusInternalServerError, wire.ActionResult{Result: wire.ResultError, Message: "internal error"})
		return
	}
	if cached {
		log.WithFields(h.logTags).WithField("key", sub.IdempotencyKey).Debug("Replay served from idempotency cache")
	}

	switch res.Result {
	case wire.ResultSuccess:
		c.JSON(http.StatusOK, res)
	case wire.ResultConflict:
		c.JSON(http.StatusConflict, res)
	default:
		c.JSON(http.StatusUnprocessableEntity, res)
	}
}

// apply runs the mutation once per idempotency key. Concurrent duplicates
// wait for the first attempt instead of racing it.
func (h *actionHandler) apply(ctx context.Context, origin string, sub wire.ActionSubmission) (wire.ActionResult, bool, error) {
	key := sub.IdempotencyKey
	for {
		h.mu.Lock()
		if res, ok := h.results.Get(key); ok {
			h.mu.Unlock()
			return res, true, nil
		}
		wait, running := h.inflight[key]
		if !running {
			done := make(chan struct{})
			h.inflight[key] = done
			h.mu.Unlock()

			res, err := h.applyOnce(ctx, origin, sub)

			h.mu.Lock()
			delete(h.inflight, key)
			if err == nil {
				h.results.Add(key, res)
			}
			h.mu.Unlock()
			close(done)
			return res, false, err
		}
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return wire.ActionResult{}, false, ctx.Err()
		}
	}
}

func (h *actionHandler) applyOnce(ctx context.Context, origin string, sub wire.ActionSubmission) (wire.ActionResult, error) {
	res, err := h.mutate(ctx, origin, sub)
	if err != nil {
		var conflict *wire.ConflictError
		if errors.As(err, &conflict) {
			return wire.ActionResult{Result: wire.ResultConflict, Message: conflict.Reason}, nil
		}
		return wire.ActionResult{}, err
	}

	if res.Result == wire.ResultSuccess && res.Topic != "" {
		ev := h.hub.Publish(res.Topic, res.EventKind, res.EventPayload, origin)
		res.Seq = ev.Seq
	}
	return res, nil
}
