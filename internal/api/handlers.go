package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"tapminer/internal/mining"
)

const maxBodyBytes = 64 << 10

// decodeBody reads an optional JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return NewInvalidRequestError("Malformed JSON body", map[string]any{"reason": err.Error()})
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

type authRequest struct {
	InitData string `json:"init_data"`
}

type authResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      mining.UserState `json:"user"`
}

func (s *Server) handleAuthTelegram(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	tgUser, err := s.verifier.Verify(req.InitData)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	user, err := s.engine.EnsureUser(r.Context(), tgUser.Profile())
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	token, exp, err := s.tokens.Issue(user)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	s.log.Info().Int64("user_id", user.UserID).Msg("telegram login")
	writeJSON(w, http.StatusOK, authResponse{Token: token, ExpiresAt: exp, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())
	user, err := s.engine.User(r.Context(), userID)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	stats, err := s.engine.Stats(r.Context(), userID)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "mining": stats})
}

type tapRequest struct {
	TapCount *int64 `json:"tapCount"`
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var req tapRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	tapCount := int64(1)
	if req.TapCount != nil {
		tapCount = *req.TapCount
	}
	res, err := s.engine.Tap(r.Context(), UserIDFrom(r.Context()), tapCount)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := int64(20)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 100 {
			s.errs.HandleError(w, r, NewValidationError("limit must be 1..100", nil))
			return
		}
		limit = n
	}
	list, err := s.engine.Sessions(r.Context(), UserIDFrom(r.Context()), limit)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.StartSession(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.StopSession(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
