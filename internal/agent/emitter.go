package agent

import (
	"sync"

	"AgentHub/internal/events"
)

// AllEvents 订阅全部事件类型。
const AllEvents events.Type = "*"

// Handler 处理智能体发出的事件。
type Handler func(events.Event)

// Emitter 维护事件订阅关系，Emit 在调用方 goroutine 中同步回调。
// 零值可用。
type Emitter struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[events.Type]map[uint64]Handler
}

// Subscribe 注册处理函数并返回幂等的取消函数。
func (e *Emitter) Subscribe(eventType events.Type, handler Handler) func() {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[events.Type]map[uint64]Handler)
	}
	if e.handlers[eventType] == nil {
		e.handlers[eventType] = make(map[uint64]Handler)
	}
	e.next++
	id := e.next
	e.handlers[eventType][id] = handler
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers[eventType], id)
			e.mu.Unlock()
		})
	}
}

// Emit 回调该类型与 AllEvents 的订阅者。
func (e *Emitter) Emit(ev events.Event) {
	e.mu.RLock()
	targets := make([]Handler, 0, len(e.handlers[ev.Type])+len(e.handlers[AllEvents]))
	for _, h := range e.handlers[ev.Type] {
		targets = append(targets, h)
	}
	for _, h := range e.handlers[AllEvents] {
		targets = append(targets, h)
	}
	e.mu.RUnlock()
	for _, h := range targets {
		h(ev)
	}
}
