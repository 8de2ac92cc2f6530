package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"acqd/internal/action"
	"acqd/internal/instrument"
	"acqd/internal/schedule"
	logx "acqd/pkg/logx"
)

// QueueRequest is the body of POST /queue_action. Durations are in seconds.
type QueueRequest struct {
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args,omitempty"`
	Nice         *float64       `json:"nice,omitempty"`
	Timeout      *float64       `json:"timeout,omitempty"`
	MaxDuration  *float64       `json:"max_duration,omitempty"`
}

// Validate checks field shapes. JSON cannot carry NaN or Inf but Go callers can.
func (q QueueRequest) Validate() error {
	if strings.TrimSpace(q.FunctionName) == "" {
		return errors.New("function_name must be a non-empty string")
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{{"nice", q.Nice}, {"timeout", q.Timeout}, {"max_duration", q.MaxDuration}} {
		if f.v == nil {
			continue
		}
		if math.IsNaN(*f.v) || math.IsInf(*f.v, 0) || *f.v < 0 {
			return fmt.Errorf("%s must be a finite non-negative number", f.name)
		}
	}
	return nil
}

func (q QueueRequest) options() []action.SubmitOption {
	opts := []action.SubmitOption{action.WithSource("http")}
	if q.Nice != nil {
		opts = append(opts, action.WithPriority(*q.Nice))
	}
	if q.Timeout != nil {
		opts = append(opts, action.WithTimeout(secondsToDuration(*q.Timeout)))
	}
	if q.MaxDuration != nil {
		// Saturation lands on NoMaxDuration.
		opts = append(opts, action.WithMaxDuration(secondsToDuration(*q.MaxDuration)))
	}
	return opts
}

// secondsToDuration saturates at the largest representable duration.
func secondsToDuration(sec float64) time.Duration {
	ns := sec * float64(time.Second)
	if ns >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(ns)
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody.Load())
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req QueueRequest
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, r, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		respondError(w, r, http.StatusBadRequest, "malformed body: trailing data")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.mgr.Submit(req.FunctionName, instrument.Args(req.Args), req.options()...)
	switch {
	case errors.Is(err, action.ErrInvalidArgument):
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("submit failed", logx.String("function_name", req.FunctionName), logx.Err(err))
		respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Debug("action queued",
		logx.String("id", a.ID),
		logx.String("target", a.Target),
		logx.String("request_id", RequestIDFromContext(r.Context())),
	)
	respondJSON(w, http.StatusOK, struct{}{})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	action.Snapshot
	Schedules []schedule.Info `json:"schedules,omitempty"`
	Uptime    string          `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Snapshot: s.mgr.Snapshot(),
		Uptime:   time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.schedules != nil {
		resp.Schedules = s.schedules.Snapshot()
	}
	respondJSON(w, http.StatusOK, resp)
}

type pausedResponse struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.mgr.Pause()
	respondJSON(w, http.StatusOK, pausedResponse{Paused: true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.mgr.Resume()
	respondJSON(w, http.StatusOK, pausedResponse{Paused: false})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		respondError(w, r, http.StatusNotFound, "outcome journal disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	out, err := s.outcomes.RecentOutcomes(r.Context(), limit)
	if err != nil {
		s.log.Error("outcome query failed", logx.Err(err))
		respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if out == nil {
		out = []action.Outcome{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
