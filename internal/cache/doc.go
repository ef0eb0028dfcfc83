// Package cache implements the store adapter used by the lifecycle controller.
// A Backend is an opaque keyed blob store partitioned into named stores
// (file, leveldb or in-memory); Storage layers the open/keys/delete/match
// operations on top of it, and Handle adds put/add/addAll for a single store,
// using an injected Fetcher for the network half of add. Entries carry no
// expiry of their own: their validity is decided entirely by the name of the
// store they live in.
package cache
