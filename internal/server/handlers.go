package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/plasmahub/plasmarag/internal/extract"
	"github.com/plasmahub/plasmarag/internal/ingest"
	"github.com/plasmahub/plasmarag/internal/lock"
	"github.com/plasmahub/plasmarag/internal/models"
	"github.com/plasmahub/plasmarag/internal/storage"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var paper models.Paper
	if err := json.NewDecoder(r.Body).Decode(&paper); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("ingest request", zap.String("title", paper.Title()))

	result, err := s.coordinator.Ingest(r.Context(), &paper)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			s.respondJSON(w, http.StatusServiceUnavailable, result)
			return
		}
		s.logger.Error("ingest failed", zap.String("title", paper.Title()), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if result.Status == ingest.StatusStored {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, result)
}

func (s *Server) handleListPapers(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	papers, err := s.store.ListPapers(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list papers failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if papers == nil {
		papers = []*storage.StoredPaper{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"papers": papers,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *Server) handleListFigures(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid paper id")
		return
	}
	figures, err := s.store.GetFiguresByPaperID(r.Context(), id)
	if err != nil {
		s.logger.Error("list figures failed", zap.Int64("paper_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if figures == nil {
		figures = []*storage.StoredFigure{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"figures": figures})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	s.logger.Debug("query request", zap.String("query", req.Query), zap.Int("top_k", req.TopK))

	response, err := s.retriever.Query(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.logger.Error("query failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

type recommendRequest struct {
	Query             string                       `json:"query"`
	Parameters        map[string]extract.UserParam `json:"parameters"`
	ExpectedPhenomena string                       `json:"expected_phenomena"`
	TopK              int                          `json:"top_k"`
}

type recommendResponse struct {
	ReferencePaper string                  `json:"reference_paper"`
	Recommendation *extract.Recommendation `json:"recommendation"`
}

// handleRecommend retrieves the best-matching paper and its related force
// fields, then asks the inference service for simulation parameter ranges
// grounded in them.
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if s.inference == nil {
		s.respondError(w, http.StatusNotImplemented, "inference service not configured")
		return
	}
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.Parameters) == 0 {
		s.respondError(w, http.StatusBadRequest, "parameters are required")
		return
	}

	hits, err := s.retriever.Query(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.logger.Error("recommend retrieval failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(hits.Papers) == 0 {
		s.respondError(w, http.StatusNotFound, "no reference paper found")
		return
	}
	reference := hits.Papers[0]
	related := make([]*storage.StoredForceField, 0, len(hits.Forces))
	for _, f := range hits.Forces {
		related = append(related, f.StoredForceField)
	}

	rec, err := s.inference.Recommend(r.Context(), &reference.Paper, req.Parameters, req.ExpectedPhenomena, related)
	if err != nil {
		s.logger.Error("recommendation failed", zap.Error(err))
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, recommendResponse{
		ReferencePaper: reference.Paper.Title(),
		Recommendation: rec,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	papers, err := s.store.CountPapers(ctx)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	forces, err := s.store.CountForceFields(ctx)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	figures, err := s.store.CountFigures(ctx)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"papers":           papers,
		"force_fields":     forces,
		"figures":          figures,
		"paper_index_size": s.paperIndex.Size(),
		"force_index_size": s.forceIndex.Size(),
		"dimensions":       s.paperIndex.Dimensions(),
	}
	diskBytes, err := storage.DiskUsageBytes(
		s.config.Storage.DatabasePath,
		s.config.Storage.PaperIndexPath,
		s.config.Storage.ForceIndexPath,
	)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
