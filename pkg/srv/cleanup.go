package srv

import "context"

// cleanupService wraps a release function (db close, embedder shutdown) in
// the Service shape so resources join the ordered shutdown chain.
type cleanupService struct {
	release func() error
}

func (c *cleanupService) Start(ctx context.Context) error {
	return nil
}

func (c *cleanupService) Shutdown(ctx context.Context) error {
	if c.release == nil {
		return nil
	}
	return c.release()
}

func NewCleanup(fn func() error) Service {
	return &cleanupService{release: fn}
}
