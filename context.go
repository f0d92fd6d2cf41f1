package wsync

import "context"

type sessionCtxKey struct{}

// WithSession returns a context carrying s as the ambient session. Unit
// builders (SyncAll, SyncOnly, Manual) read the ambient session from the
// context passed to them at construction time instead of a package-level
// current-connection global.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// SessionFromContext returns the ambient session set by WithSession, if
// any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionCtxKey{}).(*Session)
	return s, ok
}
