package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/session"
)

const maxBodyBytes = 1 << 20

type createSessionRequest struct {
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type executeRequest struct {
	session.ExecuteRequest
	Wait bool `json:"wait,omitempty"`
}

// decodeBody 解析 JSON 请求体，空请求体视为零值。
func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败")
	}
	return nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.sessions.Create(r.Context(), req.UserID, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.writeError(w, xerrors.New(xerrors.CodeValidation, "缺少 userId 参数"))
		return
	}
	writeData(w, http.StatusOK, s.sessions.GetActiveSessions(userID))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.Exists(id) {
		s.writeError(w, xerrors.New(xerrors.CodeNotFound, "会话不存在", xerrors.WithDetail("sessionId", id)))
		return
	}
	if err := s.sessions.Destroy(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sessionId": id, "deleted": true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		req.Wait = true
	}
	id := r.PathValue("id")
	ack, err := s.sessions.Execute(r.Context(), id, req.ExecuteRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !req.Wait {
		writeData(w, http.StatusAccepted, ack)
		return
	}
	info, err := s.sessions.Wait(r.Context(), id)
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeTimeout, err, "等待执行结果失败"))
		return
	}
	writeData(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sessionId": id, "stopping": true})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := append([]string(nil), s.capabilities...)
	if caps == nil {
		caps = []string{}
	}
	writeData(w, http.StatusOK, map[string]any{"capabilities": caps})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for _, name := range s.sortedChecks() {
		if err := s.checks[name](r.Context()); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeData(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.sessions.Count(),
		"checks":    checks,
	})
}

func (s *Server) handleGetSubAgent(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationError, "未启用子智能体查询"))
		return
	}
	task, err := s.tasks.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

func (s *Server) handleCancelSubAgent(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationError, "未启用子智能体查询"))
		return
	}
	id := r.PathValue("id")
	if err := s.tasks.CancelSubAgent(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	running, err := s.tasks.IsRunning(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"taskId": id, "running": running})
}
