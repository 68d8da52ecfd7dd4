package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/serverdb"
	"github.com/go-chi/chi/v5"
)

// SubmitRequest is the body for POST /v1/entities/{type}.
type SubmitRequest struct {
	MutationID string          `json:"mutation_id"`
	DeviceID   string          `json:"device_id"`
	Op         models.Op       `json:"op"`
	LocalID    int64           `json:"local_id"`
	ServerID   *int64          `json:"server_id,omitempty"`
	Record     json.RawMessage `json:"record"`
}

// RecordResponse is one canonical record, returned by submit and fetch.
type RecordResponse struct {
	ServerID  int64           `json:"server_id"`
	LocalID   int64           `json:"local_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	IsActive  bool            `json:"is_active"`
	UpdatedAt time.Time       `json:"updated_at"`
	Seq       int64           `json:"seq"`
	Record    json.RawMessage `json:"record"`
}

// FetchResponse is the body of GET /v1/entities/{type}.
type FetchResponse struct {
	Records []RecordResponse `json:"records"`
	Cursor  int64            `json:"cursor"`
	HasMore bool             `json:"has_more"`
}

func toRecordResponse(rec *serverdb.Record) RecordResponse {
	return RecordResponse{
		ServerID:  rec.ServerID,
		LocalID:   rec.LocalID,
		DeviceID:  rec.DeviceID,
		IsActive:  rec.IsActive,
		UpdatedAt: rec.UpdatedAt,
		Seq:       rec.Seq,
		Record:    rec.Data,
	}
}

// entityType resolves the {type} path segment, writing a 404 on failure.
func entityType(w http.ResponseWriter, r *http.Request) (models.EntityType, bool) {
	kind := models.EntityType(chi.URLParam(r, "type"))
	if !models.IsValidEntityType(kind) {
		writeError(w, ErrCodeUnknownType, "unknown entity type: "+string(kind))
		return "", false
	}
	return kind, true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	kind, ok := entityType(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrCodeBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = deviceID(r)
	}

	res, err := s.store.Submit(r.Context(), kind, &serverdb.Mutation{
		MutationID: req.MutationID,
		DeviceID:   req.DeviceID,
		Op:         req.Op,
		LocalID:    req.LocalID,
		ServerID:   req.ServerID,
		Data:       req.Record,
	})
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}

	s.metrics.RecordSubmit(res.Duplicate)
	if res.Duplicate {
		logFor(r.Context()).Debug("mutation replayed", "type", kind, "mutation", req.MutationID)
	}
	writeJSON(w, http.StatusOK, toRecordResponse(res.Record))
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, serverdb.ErrInvalidRecord):
		s.metrics.RecordRejection()
		writeError(w, ErrCodeInvalidRecord, err.Error())
	case errors.Is(err, serverdb.ErrInvalidMutation):
		s.metrics.RecordRejection()
		writeError(w, ErrCodeBadRequest, err.Error())
	case errors.Is(err, serverdb.ErrRecordNotFound):
		s.metrics.RecordRejection()
		writeError(w, ErrCodeNotFound, err.Error())
	default:
		logFor(r.Context()).Error("submit", "err", err)
		writeError(w, ErrCodeInternal, "failed to apply mutation")
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	kind, ok := entityType(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, ErrCodeBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	limit := s.config.MaxPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	recs, more, err := s.store.Fetch(r.Context(), kind, since, limit)
	if err != nil {
		logFor(r.Context()).Error("fetch", "type", kind, "err", err)
		writeError(w, ErrCodeInternal, "failed to fetch records")
		return
	}

	resp := FetchResponse{
		Records: make([]RecordResponse, 0, len(recs)),
		Cursor:  since,
		HasMore: more,
	}
	for _, rec := range recs {
		resp.Records = append(resp.Records, toRecordResponse(rec))
		resp.Cursor = rec.Seq
	}
	s.metrics.RecordFetch(len(recs))
	writeJSON(w, http.StatusOK, resp)
}
