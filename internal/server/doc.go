// Package server hosts the Fiber HTTP service and its middleware chain
// (panic recovery, request IDs). Every request outside /-/ is handed to a
// ProxyHandler; /-/ is reserved for diagnostics routes registered by
// internal/server/routes. Keep exports narrow and accept explicit
// dependencies so cmd wiring and tests can swap handlers.
package server
