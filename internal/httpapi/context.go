package httpapi

import "context"

// joinContexts derives from the request context r and also cancels when the
// daemon context base is done, so supervisor calls stop on shutdown as well
// as on client disconnect. Request-scoped values come from r.
func joinContexts(base, r context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(r)
	stop := context.AfterFunc(base, func() { cancel(context.Cause(base)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
