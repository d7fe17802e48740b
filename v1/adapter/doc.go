// Package adapter holds the backend plumbing shared by the lock and throttle
// storages: the SQL expressions that read the database clock, table
// migration, and key scanning on Redis.
package adapter
