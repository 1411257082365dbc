// Package redis provides the production backend of the shared state store:
// TTL caching, FIFO queues and distributed locks on top of go-redis, so that
// several AgentHub replicas can share admission counters and the deferred
// sub-agent task table.
package redis
