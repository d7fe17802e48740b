// Package throttle provides fixed-window throttling locks: a hit counter per
// resource whose window is anchored to the first hit and never extended.
//
// Storage implementations (in-memory, Redis, SQL through GORM) count hits
// atomically. Provider turns a Storage into a rate limiter that waits for a
// free slot up to an acquire timeout.
package throttle
