// Package kit holds the small transport plumbing shared by the HTTP and
// MCP surfaces: the endpoint shape, middleware chaining, and context keys
// for request metadata.
package kit

import "context"

// Endpoint is the transport-agnostic unit both surfaces adapt to.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one listed runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
