package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/synagraph/internal/engine"
	"github.com/lazypower/synagraph/internal/store"
)

func (s *Server) handleUpsertNode(w http.ResponseWriter, r *http.Request) {
	var in engine.UpsertInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
		return
	}

	res, err := s.engine.UpsertNode(r.Context(), tenantFrom(r), in)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.engine.GetNode(r.Context(), tenantFrom(r), chi.URLParam(r, "nodeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "node": node})
}

func (s *Server) handleQueryByKind(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		writeError(w, &engine.InvalidQueryError{Field: "kind", Detail: "required"})
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	nodes, err := s.db.QueryByKind(tenantFrom(r), kind, limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(nodes), "nodes": nodes})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	nb, err := s.engine.Neighbors(r.Context(), tenantFrom(r), chi.URLParam(r, "nodeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nb)
}

func (s *Server) handleRelate(w http.ResponseWriter, r *http.Request) {
	var in engine.RelateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
		return
	}

	res, err := s.engine.Relate(r.Context(), tenantFrom(r), in)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req engine.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
		return
	}

	results, err := s.engine.Search(r.Context(), tenantFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(results), "results": results})
}

func (s *Server) handleIngestCapsule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		engine.Capsule
		Unwrap bool `json:"unwrap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
		return
	}

	res, err := s.engine.IngestCapsule(r.Context(), tenantFrom(r), req.Capsule, req.Unwrap)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleLookupCapsule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.LookupCapsule(r.Context(), tenantFrom(r), chi.URLParam(r, "capsuleKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevokeCapsule(w http.ResponseWriter, r *http.Request) {
	revoked, err := s.engine.RevokeCapsule(r.Context(), tenantFrom(r), chi.URLParam(r, "capsuleKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	var req engine.DecayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
		return
	}

	res, err := s.engine.Decay(r.Context(), tenantFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload json.RawMessage `json:"payload"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
			return
		}
	}

	if err := s.engine.EmitTestEvent(r.Context(), tenantFrom(r), req.Payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var scope store.PurgeScope
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&scope); err != nil {
			writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
			return
		}
	}

	res, err := s.engine.Purge(r.Context(), tenantFrom(r), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	batch := 100
	if b := r.URL.Query().Get("batch"); b != "" {
		if n, err := strconv.Atoi(b); err == nil && n > 0 {
			batch = n
		}
	}

	events, err := s.db.Drain(batch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &engine.InvalidQueryError{Field: "body", Detail: "invalid json"})
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, &engine.InvalidQueryError{Field: "ids", Detail: "at least one required"})
		return
	}

	if err := s.db.Ack(req.IDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
