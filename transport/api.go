// Package transport exposes the index engine over HTTP: JSON bodies,
// epoch-millisecond timestamps, and coded errors mapped onto status codes.
package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
)

// errorCodeHeader carries the platform error code of a failed request.
const errorCodeHeader = "X-Platform-Error-Code"

// statusCode maps platform error codes onto HTTP statuses.
var statusCode = map[string]int{
	timeindex.EInternal:    http.StatusInternalServerError,
	timeindex.EInvalid:     http.StatusBadRequest,
	timeindex.EConflict:    http.StatusUnprocessableEntity,
	timeindex.ENotFound:    http.StatusNotFound,
	timeindex.EUnavailable: http.StatusServiceUnavailable,
	timeindex.EClosed:      http.StatusInternalServerError,
	timeindex.ECorrupt:     http.StatusInternalServerError,
}

// API bundles the JSON encode/decode and error-writing helpers shared by
// the handlers.
type API struct {
	log *zap.Logger
}

// NewAPI returns an API helper logging through log.
func NewAPI(log *zap.Logger) *API {
	return &API{log: log}
}

// Respond writes v as JSON with the given status. A nil v writes an empty
// body.
func (a *API) Respond(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	if v == nil {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("Encoding response failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// DecodeJSON unmarshals the request body into v, reporting malformed input
// as EInvalid.
func (a *API) DecodeJSON(body io.Reader, v interface{}) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &timeindex.Error{
			Code: timeindex.EInvalid,
			Msg:  "invalid request body",
			Err:  err,
		}
	}
	return nil
}

// Err writes err with the status matching its code, and logs server-side
// failures.
func (a *API) Err(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	code := timeindex.ErrorCode(err)
	status, ok := statusCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	body.Code = code
	body.Message = err.Error()

	w.Header().Set(errorCodeHeader, code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	b, _ := json.Marshal(body)
	_, _ = w.Write(b)
}

func invalidf(format string, args ...interface{}) error {
	return &timeindex.Error{
		Code: timeindex.EInvalid,
		Msg:  fmt.Sprintf(format, args...),
	}
}
