// Package syncbus propagates lock release notifications between processes.
// Waiters subscribe to the topic of the resource they want and are woken as
// soon as a holder releases it, instead of sleeping until their next poll.
// In-memory, Redis pub/sub, NATS and Kafka implementations are provided.
package syncbus
