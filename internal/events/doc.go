// Package events 定义会话事件目录，并负责把事件按会话扇出到 SSE 与
// WebSocket 订阅者。
package events
