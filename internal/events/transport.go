package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrSubscriberClosed 表示订阅者已关闭，不再接收事件。
var ErrSubscriberClosed = errors.New("subscriber closed")

// SSESubscriber 以 text/event-stream 格式写出事件。
// Close 之后 Send 一律失败，处理函数返回前必须调用 Close。
type SSESubscriber struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

// NewSSESubscriber 写出 SSE 响应头。
func NewSSESubscriber(w http.ResponseWriter) (*SSESubscriber, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &SSESubscriber{w: w, rc: http.NewResponseController(w)}
	if err := s.rc.Flush(); err != nil {
		return nil, err
	}
	return s, nil
}

// Send 实现 Subscriber。
func (s *SSESubscriber) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.write(ctx, fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload))
}

// Ping 写出注释行以保持连接。
func (s *SSESubscriber) Ping(ctx context.Context) error {
	return s.write(ctx, ": ping\n\n")
}

func (s *SSESubscriber) write(ctx context.Context, frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close 等待进行中的写入结束并拒绝后续写入。
func (s *SSESubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// WebSocketSubscriber 通过 WebSocket 连接以 JSON 文本帧写出事件。
// 连接上的写入由互斥锁串行化。
type WebSocketSubscriber struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketSubscriber 包装已建立的连接。
func NewWebSocketSubscriber(conn *websocket.Conn) *WebSocketSubscriber {
	return &WebSocketSubscriber{conn: conn}
}

// Send 实现 Subscriber。
func (s *WebSocketSubscriber) Send(ctx context.Context, ev Event) error {
	return s.WriteJSON(ctx, ev)
}

// WriteJSON 写出任意控制消息。
func (s *WebSocketSubscriber) WriteJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	return wsjson.Write(ctx, s.conn, v)
}

// Close 以给定状态码关闭连接，可重复调用。
func (s *WebSocketSubscriber) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close(code, reason)
}
