package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"realtime-service/domain"
)

// sseConnection adapts one SSE response stream to the subscriber's
// Connection contract. A successful write and flush is the acknowledgment;
// writes are serialized because frames from different rooms arrive on
// different goroutines.
type sseConnection struct {
	id        string
	principal domain.Principal
	ctx       context.Context
	res       *echo.Response
	flusher   http.Flusher
	ctrl      *http.ResponseController

	mu sync.Mutex
}

func newSSEConnection(c echo.Context, p domain.Principal) (*sseConnection, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("stream unsupported")
	}
	return &sseConnection{
		id:        uuid.NewString(),
		principal: p,
		ctx:       c.Request().Context(),
		res:       res,
		flusher:   flusher,
		ctrl:      http.NewResponseController(res.Writer),
	}, nil
}

func (c *sseConnection) ID() string { return c.id }

func (c *sseConnection) Principal() domain.Principal { return c.principal }

func (c *sseConnection) Alive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

func (c *sseConnection) Send(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// A write deadline bounds a blocked write by the ack timeout. Writers
	// without deadline support (test recorders) fall back to the pre-write
	// check above.
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.ctrl.SetWriteDeadline(deadline); err == nil {
			defer c.ctrl.SetWriteDeadline(time.Time{})
		}
	}

	if _, err := c.res.Write([]byte("event: " + channel + "\ndata: ")); err != nil {
		return err
	}
	if _, err := c.res.Write(payload); err != nil {
		return err
	}
	if _, err := c.res.Write([]byte("\n\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// ping writes an SSE comment to keep intermediaries from closing the stream.
func (c *sseConnection) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.res.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}
