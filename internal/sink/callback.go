package sink

import "context"

// Callback is an in-process sink for embedding hosts: zero serialisation.
type Callback struct {
	fn func(ctx context.Context, r Result) error
}

// NewCallback creates a Callback sink. A nil function drops results.
func NewCallback(fn func(ctx context.Context, r Result) error) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, r Result) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, r)
}

func (c *Callback) Close() error { return nil }
