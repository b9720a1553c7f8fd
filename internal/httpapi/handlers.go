package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/registry"
)

const maxBodyBytes = 64 << 10

type apiRequest struct {
	Code       string `json:"code"`
	UserToken  string `json:"userToken"`
	CourseID   string `json:"courseId"`
	ActivityID string `json:"activityId"`
	Title      string `json:"title"`
	Message    string `json:"message"`
}

func (a apiRequest) scope() core.Scope {
	return core.Scope{CourseID: a.CourseID, ActivityID: a.ActivityID}
}

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

type successBody struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain taxonomy onto HTTP. Unclassified errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := core.AsError(err)
	if !ok {
		log.Printf("http api: %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
		return
	}
	switch e.Kind {
	case core.KindValidation, core.KindInvalidCode:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: e.Msg})
	case core.KindAuth:
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: e.Msg})
	case core.KindRateLimited:
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: e.Msg, RetryAfter: int(e.RetryAfter.Seconds())})
	case core.KindTransport:
		if e.Err != nil {
			log.Printf("http api: %s %s: %v", r.Method, r.URL.Path, e.Err)
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: e.Msg})
	default:
		log.Printf("http api: %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (apiRequest, bool) {
	var req apiRequest
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
		return apiRequest{}, false
	}
	return req, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	token, err := s.reg.Register(r.Context(), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success   bool   `json:"success"`
		UserToken string `json:"userToken"`
	}{true, token})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if err := s.disp.Notify(r.Context(), req.UserToken, req.Title, req.Message); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleJoinClass(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	isNew, err := s.reg.JoinClass(r.Context(), req.UserToken, req.CourseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success   bool   `json:"success"`
		CourseID  string `json:"courseId"`
		IsNewJoin bool   `json:"isNewJoin"`
	}{true, req.CourseID, isNew})
}

func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	res, err := s.reg.JoinSession(r.Context(), req.UserToken, req.scope())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		registry.JoinResult
	}{true, res})
}

func (s *Server) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if err := s.reg.Leave(r.Context(), req.UserToken); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if err := s.reg.Heartbeat(r.Context(), req.UserToken, req.scope()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	res, err := s.disp.Broadcast(r.Context(), req.UserToken, req.scope(), req.Title, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
