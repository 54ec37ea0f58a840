package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/e4s-data/timeindex"
	"github.com/e4s-data/timeindex/engine"
	"github.com/e4s-data/timeindex/kvstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(zaptest.NewLogger(t), kvstore.NewInmem(), engine.WithFlushInterval(0))
	t.Cleanup(func() { eng.Close() })

	handler := NewIndexHandler(zaptest.NewLogger(t), eng)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateAndListIndexes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/index", map[string]string{"indexName": "meter-data"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/index")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var names []string
	decodeBody(t, resp, &names)
	require.Equal(t, []string{"meter-data"}, names)
}

func TestCreateIndexValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, name := range []string{"", "bad name", "no/slash"} {
		resp := postJSON(t, srv.URL+"/api/v1/index", map[string]string{"indexName": name})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "name %q", name)
		require.Equal(t, timeindex.EInvalid, resp.Header.Get("X-Platform-Error-Code"))
		resp.Body.Close()
	}
}

func TestMarkThenExistsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	// 2024-01-01T00:00:00Z
	resp := postJSON(t, srv.URL+"/api/v1/index/mark", map[string]interface{}{
		"indexName":   "meter-data",
		"entityId":    12345,
		"granularity": "DAY",
		"timestamps":  []int64{1704067200000},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/index/exists", map[string]interface{}{
		"indexName":   "meter-data",
		"entityId":    12345,
		"granularity": "DAY",
		"timestamp":   1704067200000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var exists existsResponse
	decodeBody(t, resp, &exists)
	require.True(t, exists.Exists)
	require.Equal(t, "meter-data", exists.IndexName)
	require.Equal(t, int64(12345), exists.EntityID)
	require.Equal(t, timeindex.Day, exists.Granularity)

	// A different day reads false.
	resp = postJSON(t, srv.URL+"/api/v1/index/exists", map[string]interface{}{
		"indexName":   "meter-data",
		"entityId":    12345,
		"granularity": "DAY",
		"timestamp":   1704153600000,
	})
	decodeBody(t, resp, &exists)
	require.False(t, exists.Exists)
}

func TestNavigationOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	day1 := int64(1704067200000) // 2024-01-01
	day3 := day1 + 2*86400000    // 2024-01-03

	resp := postJSON(t, srv.URL+"/api/v1/index/mark", map[string]interface{}{
		"indexName":   "meter-data",
		"entityId":    1,
		"granularity": "DAY",
		"timestamps":  []int64{day1, day3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/index/prev", map[string]interface{}{
		"indexName":   "meter-data",
		"entityId":    1,
		"granularity": "DAY",
		"timestamp":   day3,
	})
	var nav navigationResponse
	decodeBody(t, resp, &nav)
	require.NotNil(t, nav.Result)
	require.Equal(t, day1, *nav.Result)

	resp = postJSON(t, srv.URL+"/api/v1/index/next", map[string]interface{}{
		"indexName":   "meter-data",
		"entityId":    1,
		"granularity": "DAY",
		"timestamp":   day3,
	})
	decodeBody(t, resp, &nav)
	require.Nil(t, nav.Result)
}

func TestQueryValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing entity", map[string]interface{}{
			"indexName": "m", "granularity": "DAY", "timestamp": 1}},
		{"missing granularity", map[string]interface{}{
			"indexName": "m", "entityId": 1, "timestamp": 1}},
		{"bad granularity", map[string]interface{}{
			"indexName": "m", "entityId": 1, "granularity": "WEEK", "timestamp": 1}},
		{"missing timestamp", map[string]interface{}{
			"indexName": "m", "entityId": 1, "granularity": "DAY"}},
		{"negative timestamp", map[string]interface{}{
			"indexName": "m", "entityId": 1, "granularity": "DAY", "timestamp": -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/v1/index/exists", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestGetIndexInfoAnd404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/index/meter-data")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	postJSON(t, srv.URL+"/api/v1/index", map[string]string{"indexName": "meter-data"}).Body.Close()
	resp = postJSON(t, srv.URL+"/api/v1/index/mark", map[string]interface{}{
		"indexName":   "meter-data",
		"entityId":    7,
		"granularity": "DAY",
		"timestamps":  []int64{1704067200000},
	})
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/index/meter-data")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info indexInfo
	decodeBody(t, resp, &info)
	require.Equal(t, "meter-data", info.Name)
	require.Equal(t, int64(1), info.EntityCount)
	require.Equal(t, 1, info.CacheSize)
}

func TestDeleteIndexOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/api/v1/index", map[string]string{"indexName": "meter-data"}).Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/index/meter-data", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/index")
	require.NoError(t, err)
	var names []string
	decodeBody(t, resp, &names)
	require.Empty(t, names)
}

func TestEvictEndpoints(t *testing.T) {
	srv, eng := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, eng.Mark(ctx, "meter-data", 42, timeindex.Day, 19723))

	for _, path := range []string{
		"/api/v1/index/meter-data/entity/42",
		"/api/v1/index/meter-data/cache",
	} {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/index/meter-data/entity/notanumber", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestClosedEngineSurfacesAsServerError(t *testing.T) {
	srv, eng := newTestServer(t)
	require.NoError(t, eng.Close())

	resp, err := http.Get(srv.URL + "/api/v1/index")
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, timeindex.EClosed, body.Code)
	require.Equal(t, "index engine is closed", body.Message)
}
