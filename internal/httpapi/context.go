package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
)

// shutdownCtx ends when the inferq process begins shutting down. Job and
// status handlers stop their store and scheduler calls when it does.
var shutdownCtx atomic.Pointer[context.Context]

// SetBaseContext installs the process shutdown context. nil restores
// context.Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx.Store(&ctx)
}

func baseContext() context.Context {
	if p := shutdownCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// requestContext is the context a handler passes to the Service: it ends
// when the client goes away or the process shuts down, whichever is first.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return joinContexts(baseContext(), r.Context())
}

// joinContexts derives from req and additionally cancels when base ends.
// Values come from req. cancel must be called once the handler is done.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(req)
	stop := context.AfterFunc(base, func() { cancel(context.Cause(base)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
