// Package admission rejects excess work before it starts: a wall-clock
// aligned fixed-window rate limit per identity and a process-wide cap on
// in-flight executions, both kept as counters in the shared state store.
package admission
