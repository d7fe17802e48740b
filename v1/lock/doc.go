// Package lock provides resource locks backed by a shared store. A lock is a
// lease: a unique lock id stored under the resource key, optionally with an
// expiration after which the lease is void even if never released.
//
// Storage implementations expose compare-and-set primitives (in-memory, Redis
// with Lua scripts, SQL through GORM). Provider layers acquisition with a
// bounded wait, renewal and release on top of any Storage, and TryUsing runs
// caller work while holding a lock.
package lock
