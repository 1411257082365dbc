package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/events"
	"AgentHub/internal/session"
)

// 客户端消息类型。
const (
	msgAuth    = "auth"
	msgExecute = "execute"
	msgStop    = "stop"
	msgPing    = "ping"
)

// inboundMessage 是客户端通过 WebSocket 发送的消息。
type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Goal      string `json:"goal,omitempty"`
	MaxSteps  int    `json:"maxSteps,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// controlMessage 是服务端对客户端消息的应答，与事件信封区分。
type controlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.Exists(id) {
		s.writeError(w, xerrors.New(xerrors.CodeNotFound, "会话不存在", xerrors.WithDetail("sessionId", id)))
		return
	}
	sub, err := events.NewSSESubscriber(w)
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeUnknown, err, "当前连接不支持 SSE"))
		return
	}
	defer sub.Close()
	unsubscribe := s.sessions.Broadcaster().Subscribe(id, sub)
	defer unsubscribe()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !s.sessions.Exists(id) {
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), s.heartbeat)
			err := sub.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("WebSocket 握手失败", slog.Any("error", err))
		return
	}
	sub := events.NewWebSocketSubscriber(conn)
	defer sub.Close(websocket.StatusNormalClosure, "bye")
	ctx := r.Context()

	sessionID, ok := s.authenticate(ctx, conn, sub)
	if !ok {
		return
	}
	if err := sub.WriteJSON(ctx, controlMessage{Type: "auth:ok", SessionID: sessionID}); err != nil {
		return
	}
	unsubscribe := s.sessions.Broadcaster().Subscribe(sessionID, sub)
	defer unsubscribe()

	for {
		var msg inboundMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				s.logger.Debug("WebSocket 读取结束", slog.String("session_id", sessionID), slog.Any("error", err))
			}
			return
		}
		reply := s.dispatch(ctx, sessionID, msg)
		if err := sub.WriteJSON(ctx, reply); err != nil {
			return
		}
	}
}

// authenticate 读取第一条消息。失败时先发送 agent:error 事件再关闭连接。
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, sub *events.WebSocketSubscriber) (string, bool) {
	authCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	var msg inboundMessage
	if err := wsjson.Read(authCtx, conn, &msg); err != nil {
		s.reject(ctx, sub, "", xerrors.New(xerrors.CodeValidation, "未收到认证消息"))
		return "", false
	}
	if msg.Type != msgAuth || msg.SessionID == "" {
		s.reject(ctx, sub, msg.SessionID, xerrors.New(xerrors.CodeValidation, "第一条消息必须是携带 sessionId 的 auth"))
		return "", false
	}
	if !s.sessions.Exists(msg.SessionID) {
		s.reject(ctx, sub, msg.SessionID, xerrors.New(xerrors.CodeNotFound, "会话不存在"))
		return "", false
	}
	return msg.SessionID, true
}

func (s *Server) reject(ctx context.Context, sub *events.WebSocketSubscriber, sessionID string, err *xerrors.Error) {
	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev := events.New(events.TypeAgentError, sessionID, events.Failure{
		SessionID: sessionID,
		Error:     events.ErrorInfo{Code: string(err.Code()), Message: err.Message()},
	})
	if sendErr := sub.Send(writeCtx, ev); sendErr != nil {
		s.logger.Debug("发送握手失败事件出错", slog.Any("error", sendErr))
	}
	_ = sub.Close(websocket.StatusPolicyViolation, "authentication failed")
}

func (s *Server) dispatch(ctx context.Context, sessionID string, msg inboundMessage) controlMessage {
	switch msg.Type {
	case msgExecute:
		ack, err := s.sessions.Execute(ctx, sessionID, session.ExecuteRequest{Goal: msg.Goal, MaxSteps: msg.MaxSteps, Mode: msg.Mode})
		if err != nil {
			return errorReply(sessionID, err)
		}
		return controlMessage{Type: "execute:ack", SessionID: sessionID, Status: string(ack.Status)}
	case msgStop:
		if err := s.sessions.Stop(ctx, sessionID); err != nil {
			return errorReply(sessionID, err)
		}
		return controlMessage{Type: "stop:ack", SessionID: sessionID}
	case msgPing:
		return controlMessage{Type: "pong", SessionID: sessionID}
	default:
		return errorReply(sessionID, xerrors.New(xerrors.CodeValidation, "未知的消息类型 "+msg.Type))
	}
}

func errorReply(sessionID string, err error) controlMessage {
	coded, ok := xerrors.From(err)
	if !ok {
		coded = xerrors.Wrap(xerrors.CodeUnknown, err, err.Error())
	}
	return controlMessage{Type: "error", SessionID: sessionID, Code: string(coded.Code()), Message: coded.Message()}
}
