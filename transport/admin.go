package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
	"github.com/e4s-data/timeindex/reindex"
)

const prefixAdmin = "/api/v1/admin/index"

// AdminHandler serves the reindex admin API. It is only mounted when
// durable persistence is enabled.
type AdminHandler struct {
	chi.Router

	api     *API
	log     *zap.Logger
	svc     timeindex.IndexService
	reindex *reindex.Service
}

// NewAdminHandler builds the router for the reindex admin API.
func NewAdminHandler(log *zap.Logger, svc timeindex.IndexService, reindexSvc *reindex.Service) *AdminHandler {
	h := &AdminHandler{
		api:     NewAPI(log),
		log:     log,
		svc:     svc,
		reindex: reindexSvc,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
	)

	r.Route(prefixAdmin+"/{indexName}", func(r chi.Router) {
		r.Post("/reindex", h.handleReindexFull)
		r.Post("/reindex/partition", h.handleReindexPartition)
		r.Get("/reindex/status", h.handleReindexStatus)
		r.Get("/reindex/partition/status", h.handlePartitionStatus)
	})

	h.Router = r
	return h
}

// Prefix returns the base path of the admin API.
func (h *AdminHandler) Prefix() string {
	return prefixAdmin
}

func (h *AdminHandler) handleReindexFull(w http.ResponseWriter, r *http.Request) {
	name, err := h.existingIndex(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	status := h.reindex.Full(r.Context(), name)
	h.api.Respond(w, r, http.StatusOK, status)
}

func (h *AdminHandler) handleReindexPartition(w http.ResponseWriter, r *http.Request) {
	name, err := h.existingIndex(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	g, partition, err := partitionParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	status := h.reindex.Partition(r.Context(), name, g, partition)
	h.api.Respond(w, r, http.StatusOK, status)
}

func (h *AdminHandler) handleReindexStatus(w http.ResponseWriter, r *http.Request) {
	name, err := indexNameFromReq(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, h.reindex.Status(r.Context(), name))
}

func (h *AdminHandler) handlePartitionStatus(w http.ResponseWriter, r *http.Request) {
	name, err := indexNameFromReq(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	g, partition, err := partitionParams(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, h.reindex.PartitionStatus(r.Context(), name, g, partition))
}

// existingIndex resolves the indexName parameter and requires the index to
// exist.
func (h *AdminHandler) existingIndex(r *http.Request) (string, error) {
	name, err := indexNameFromReq(r)
	if err != nil {
		return "", err
	}
	exists, err := h.svc.IndexExists(r.Context(), name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", &timeindex.Error{
			Code: timeindex.ENotFound,
			Msg:  "index " + name + " not found",
		}
	}
	return name, nil
}

// partitionParams parses the partition and granularity query parameters.
// Granularity defaults to DAY.
func partitionParams(r *http.Request) (timeindex.Granularity, uint32, error) {
	raw := r.URL.Query().Get("partition")
	if raw == "" {
		return 0, 0, invalidf("partition is required")
	}
	partition, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, 0, invalidf("partition %q is invalid", raw)
	}

	g := timeindex.Day
	if rawG := r.URL.Query().Get("granularity"); rawG != "" {
		g, err = timeindex.ParseGranularity(rawG)
		if err != nil {
			return 0, 0, err
		}
	}
	return g, uint32(partition), nil
}
