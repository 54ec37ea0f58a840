package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
	"github.com/e4s-data/timeindex/epoch"
)

const prefixIndex = "/api/v1/index"

// createIndexRequest is the body of POST /api/v1/index.
type createIndexRequest struct {
	IndexName string `json:"indexName"`
}

// queryRequest is the body of the exists/prev/next endpoints.
type queryRequest struct {
	IndexName   string                 `json:"indexName"`
	EntityID    *int64                 `json:"entityId"`
	Granularity *timeindex.Granularity `json:"granularity"`
	Timestamp   *int64                 `json:"timestamp"`
}

// markRequest is the body of POST /api/v1/index/mark.
type markRequest struct {
	IndexName   string                 `json:"indexName"`
	EntityID    *int64                 `json:"entityId"`
	Granularity *timeindex.Granularity `json:"granularity"`
	Timestamps  []int64                `json:"timestamps"`
}

// existsResponse echoes the query along with the answer.
type existsResponse struct {
	IndexName   string                `json:"indexName"`
	EntityID    int64                 `json:"entityId"`
	Granularity timeindex.Granularity `json:"granularity"`
	Timestamp   int64                 `json:"timestamp"`
	Exists      bool                  `json:"exists"`
}

// navigationResponse carries the prev/next answer as epoch milliseconds, or
// null when there is none.
type navigationResponse struct {
	IndexName   string                `json:"indexName"`
	EntityID    int64                 `json:"entityId"`
	Granularity timeindex.Granularity `json:"granularity"`
	Timestamp   int64                 `json:"timestamp"`
	Result      *int64                `json:"result"`
}

// indexInfo is the body of GET /api/v1/index/{name}.
type indexInfo struct {
	Name             string `json:"name"`
	EntityCount      int64  `json:"entityCount"`
	CacheSize        int    `json:"cacheSize"`
	MemoryUsageBytes int64  `json:"memoryUsageBytes"`
}

// IndexHandler serves the index management and query API.
type IndexHandler struct {
	chi.Router

	api *API
	log *zap.Logger
	svc timeindex.IndexService
}

// NewIndexHandler builds the router for the index API.
func NewIndexHandler(log *zap.Logger, svc timeindex.IndexService) *IndexHandler {
	h := &IndexHandler{
		api: NewAPI(log),
		log: log,
		svc: svc,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.RealIP,
	)

	r.Get("/health", h.handleHealth)

	r.Route(prefixIndex, func(r chi.Router) {
		r.Post("/", h.handleCreateIndex)
		r.Get("/", h.handleListIndexes)

		r.Post("/exists", h.handleExists)
		r.Post("/prev", h.handleFindPrev)
		r.Post("/next", h.handleFindNext)
		r.Post("/mark", h.handleMark)

		r.Route("/{indexName}", func(r chi.Router) {
			r.Get("/", h.handleGetIndex)
			r.Delete("/", h.handleDeleteIndex)
			r.Delete("/entity/{entityId}", h.handleEvictEntity)
			r.Delete("/cache", h.handleEvictIndex)
		})
	})

	h.Router = r
	return h
}

// Prefix returns the base path of the index API.
func (h *IndexHandler) Prefix() string {
	return prefixIndex
}

func (h *IndexHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.api.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *IndexHandler) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req createIndexRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := timeindex.ValidateIndexName(req.IndexName); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := h.svc.CreateIndex(r.Context(), req.IndexName); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, nil)
}

func (h *IndexHandler) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.ListIndexes(r.Context())
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	h.api.Respond(w, r, http.StatusOK, names)
}

func (h *IndexHandler) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	name, err := indexNameFromReq(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	exists, err := h.svc.IndexExists(r.Context(), name)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	if !exists {
		h.api.Err(w, r, &timeindex.Error{
			Code: timeindex.ENotFound,
			Msg:  "index " + name + " not found",
		})
		return
	}

	stats, err := h.svc.Stats(r.Context(), name)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, indexInfo{
		Name:             name,
		EntityCount:      stats.EntityCount,
		CacheSize:        stats.CacheSize,
		MemoryUsageBytes: stats.MemoryUsageBytes,
	})
}

func (h *IndexHandler) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	name, err := indexNameFromReq(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := h.svc.DeleteIndex(r.Context(), name); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, nil)
}

func (h *IndexHandler) handleExists(w http.ResponseWriter, r *http.Request) {
	req, value, err := h.decodeQuery(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	exists, err := h.svc.Exists(r.Context(), req.IndexName, *req.EntityID, *req.Granularity, value)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, existsResponse{
		IndexName:   req.IndexName,
		EntityID:    *req.EntityID,
		Granularity: *req.Granularity,
		Timestamp:   *req.Timestamp,
		Exists:      exists,
	})
}

func (h *IndexHandler) handleFindPrev(w http.ResponseWriter, r *http.Request) {
	h.handleNavigation(w, r, h.svc.FindPrev)
}

func (h *IndexHandler) handleFindNext(w http.ResponseWriter, r *http.Request) {
	h.handleNavigation(w, r, h.svc.FindNext)
}

func (h *IndexHandler) handleNavigation(w http.ResponseWriter, r *http.Request,
	navigate func(ctx context.Context, name string, entityID int64, g timeindex.Granularity, value uint32) (uint32, bool, error)) {

	req, value, err := h.decodeQuery(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	result, found, err := navigate(r.Context(), req.IndexName, *req.EntityID, *req.Granularity, value)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}

	resp := navigationResponse{
		IndexName:   req.IndexName,
		EntityID:    *req.EntityID,
		Granularity: *req.Granularity,
		Timestamp:   *req.Timestamp,
	}
	if found {
		millis := epoch.ToMillis(result, *req.Granularity)
		resp.Result = &millis
	}
	h.api.Respond(w, r, http.StatusOK, resp)
}

func (h *IndexHandler) handleMark(w http.ResponseWriter, r *http.Request) {
	var req markRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := timeindex.ValidateIndexName(req.IndexName); err != nil {
		h.api.Err(w, r, err)
		return
	}
	if req.EntityID == nil {
		h.api.Err(w, r, invalidf("entityId is required"))
		return
	}
	if req.Granularity == nil {
		h.api.Err(w, r, invalidf("granularity is required"))
		return
	}
	if len(req.Timestamps) == 0 {
		h.api.Err(w, r, invalidf("timestamps are required"))
		return
	}

	values := make([]uint32, 0, len(req.Timestamps))
	for _, ts := range req.Timestamps {
		if ts <= 0 {
			h.api.Err(w, r, invalidf("timestamp %d must be positive", ts))
			return
		}
		v, err := epoch.ToValue(ts, *req.Granularity)
		if err != nil {
			h.api.Err(w, r, err)
			return
		}
		values = append(values, v)
	}

	if err := h.svc.MarkBatch(r.Context(), req.IndexName, *req.EntityID, *req.Granularity, values); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, nil)
}

func (h *IndexHandler) handleEvictEntity(w http.ResponseWriter, r *http.Request) {
	name, err := indexNameFromReq(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	raw := chi.URLParam(r, "entityId")
	entityID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.api.Err(w, r, invalidf("entity id %q is invalid", raw))
		return
	}
	if err := h.svc.EvictEntity(r.Context(), name, entityID); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, nil)
}

func (h *IndexHandler) handleEvictIndex(w http.ResponseWriter, r *http.Request) {
	name, err := indexNameFromReq(r)
	if err != nil {
		h.api.Err(w, r, err)
		return
	}
	if err := h.svc.EvictIndex(r.Context(), name); err != nil {
		h.api.Err(w, r, err)
		return
	}
	h.api.Respond(w, r, http.StatusOK, nil)
}

// decodeQuery parses and validates the shared exists/prev/next body and
// converts the timestamp to the compact epoch value.
func (h *IndexHandler) decodeQuery(r *http.Request) (*queryRequest, uint32, error) {
	var req queryRequest
	if err := h.api.DecodeJSON(r.Body, &req); err != nil {
		return nil, 0, err
	}
	if err := timeindex.ValidateIndexName(req.IndexName); err != nil {
		return nil, 0, err
	}
	if req.EntityID == nil {
		return nil, 0, invalidf("entityId is required")
	}
	if req.Granularity == nil {
		return nil, 0, invalidf("granularity is required")
	}
	if req.Timestamp == nil {
		return nil, 0, invalidf("timestamp is required")
	}
	if *req.Timestamp <= 0 {
		return nil, 0, invalidf("timestamp %d must be positive", *req.Timestamp)
	}
	value, err := epoch.ToValue(*req.Timestamp, *req.Granularity)
	if err != nil {
		return nil, 0, err
	}
	return &req, value, nil
}

func indexNameFromReq(r *http.Request) (string, error) {
	name := chi.URLParam(r, "indexName")
	if err := timeindex.ValidateIndexName(name); err != nil {
		return "", err
	}
	return name, nil
}
