package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ladybirdbrowser/wptsync/pkg/report"
	"github.com/ladybirdbrowser/wptsync/pkg/store"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListProducts returns all known products.
func (s *server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts(r.Context())
	if err != nil {
		s.internalError(w, err, "Failed to list products")

		return
	}

	out := make([]report.Product, 0, len(products))
	for _, p := range products {
		out = append(out, report.NewProduct(p))
	}

	writeJSON(w, http.StatusOK, map[string]any{"products": out})
}

// handleListProductRuns returns the most recent runs of a product.
func (s *server) handleListProductRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = min(n, maxRunsLimit)
	}

	product, err := s.store.GetProductByName(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrProductNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"product not found"})

		return
	}

	if err != nil {
		s.internalError(w, err, "Failed to get product")

		return
	}

	runs, err := s.store.ListRuns(r.Context(), product.ID, limit)
	if err != nil {
		s.internalError(w, err, "Failed to list runs")

		return
	}

	out := make([]report.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, report.NewRunSummary(run))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"product": report.NewProduct(*product),
		"runs":    out,
	})
}

// handleGetRun returns a run with its category totals.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	run, err := s.store.FindRunByID(r.Context(), runID)
	if err != nil {
		s.internalError(w, err, "Failed to get run")

		return
	}

	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	categories, err := s.store.ListRunCategories(r.Context(), runID)
	if err != nil {
		s.internalError(w, err, "Failed to list run categories")

		return
	}

	writeJSON(w, http.StatusOK, report.NewRun(*run, categories))
}

func (s *server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.WithError(err).Error(msg)
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}
