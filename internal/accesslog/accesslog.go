// Package accesslog emits the durable audit record for each logical request.
// One record is written per request, after the terminal response, with fields
// in a fixed order consumed by downstream log parsers:
//
//	elapsed-ms client-ip request-id method path status-code body-length
//
// The field order is a wire contract; do not reorder or insert fields.
package accesslog

import (
	"fmt"
	"io"
	"sync"

	"github.com/routeway/gateway/internal/exchange"
)

// Logger writes access records to a single sink.
type Logger struct {
	mu sync.Mutex
	w  io.Writer
}

// New creates a Logger writing to w. The caller owns the writer's lifecycle;
// rotation and buffering live behind it.
func New(w io.Writer) *Logger {
	return &Logger{w: w}
}

// Log emits one record for a completed request. Must be called exactly once
// per logical request, after the response has been attached.
func (l *Logger) Log(ctx *exchange.Context) {
	resp := ctx.Response()
	if resp == nil {
		return
	}
	req := ctx.Request

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%d %s %s %s %s %d %d\n",
		req.Elapsed().Milliseconds(),
		req.ClientIP,
		req.ID,
		req.Method,
		req.Path,
		resp.StatusCode,
		len(resp.Body),
	)
}
