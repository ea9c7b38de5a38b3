// Package server hosts the Fiber HTTP service, the request middleware chain
// and the worker registry that maps Host headers to cache workers.
// Each WorkerRoute carries the parsed origin, the resolved strategy and the
// lifecycle registration that proxy handlers dispatch fetch events to.
// Keep exports narrow and accept explicit dependencies so main, proxy and the
// scheduler can share one registry.
package server
