package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	xerrors "AgentHub/internal/errors"
)

// envelope 是所有 REST 响应的统一外壳。
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError 把错误渲染进信封。结构化 details 总是返回，错误链仅在诊断模式下附带。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	coded, ok := xerrors.From(err)
	if !ok {
		coded = xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
	body := &errorBody{
		Code:    string(coded.Code()),
		Message: coded.Message(),
		Details: coded.Details(),
	}
	if s.diagnostics {
		if body.Details == nil {
			body.Details = make(map[string]any)
		}
		body.Details["cause"] = causeChain(err)
	}
	if coded.Code() == xerrors.CodeRateLimited {
		if ms, ok := body.Details["retryAfterMs"].(int64); ok {
			secs := (time.Duration(ms)*time.Millisecond + time.Second - 1) / time.Second
			w.Header().Set("Retry-After", strconv.FormatInt(int64(secs), 10))
		}
	}
	writeJSON(w, coded.HTTPStatus(), envelope{Success: false, Error: body})
}

func causeChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
