// Package kit carries the transport-agnostic endpoint plumbing: an
// Endpoint is a typed request handler, middleware composes around it, and
// the transport adapters (HTTP handlers, MCP tools) decode into it.
package kit

import "context"

// Endpoint is a single operation: decode happens in the transport, the
// endpoint sees the typed request.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
