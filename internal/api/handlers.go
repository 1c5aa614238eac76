// Package api is the HTTP JSON gateway over the prediction calls.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nadmax/estimo/internal/dashboard"
	"github.com/nadmax/estimo/internal/httputil"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/middleware"
	"github.com/nadmax/estimo/internal/rpc"
	"google.golang.org/grpc/codes"
)

const maxBodyBytes = 1 << 20

type API struct {
	calls *rpc.Handler
	dash  *dashboard.Dashboard
	mux   *http.ServeMux
	log   *logger.Logger
}

func NewAPI(calls *rpc.Handler, dash *dashboard.Dashboard, log *logger.Logger) *API {
	if log == nil {
		log = logger.NewNop()
	}

	api := &API{
		calls: calls,
		dash:  dash,
		mux:   http.NewServeMux(),
		log:   log,
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/predict", a.handlePredict)
	a.mux.HandleFunc("/api/predict/batch", a.handlePredictBatch)
	a.mux.HandleFunc("/api/tags", a.handleTags)
	a.mux.HandleFunc("/api/tags/predict", a.handlePredictTags)
	a.mux.HandleFunc("/api/refit", a.handleRefit)

	if a.dash != nil {
		a.mux.HandleFunc("/api/dashboard/stats", a.dash.GetStats)
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// HTTPStatus maps a gRPC code onto the gateway's HTTP status.
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v, writing the error response itself when it
// fails.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Warn("failed to close request body", "error", err)
		}
	}()

	if err := json.Unmarshal(body, v); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, resp any, err error) {
	if err != nil {
		code := rpc.Code(err)
		if code == codes.Internal {
			a.log.Error("request failed",
				"path", r.URL.Path,
				"request_id", r.Header.Get(middleware.RequestIDHeader),
				"error", err,
			)
		}
		httputil.WriteJSONError(w, rpc.Message(err), HTTPStatus(code))
		return
	}

	httputil.WriteJSON(w, resp, http.StatusOK)
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req rpc.PredictRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.calls.Predict(r.Context(), &req)
	a.respond(w, r, resp, err)
}

func (a *API) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req rpc.PredictBatchRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.calls.PredictBatch(r.Context(), &req)
	a.respond(w, r, resp, err)
}

func (a *API) handlePredictTags(w http.ResponseWriter, r *http.Request) {
	var req rpc.PredictTagsRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.calls.PredictTags(r.Context(), &req)
	a.respond(w, r, resp, err)
}

func (a *API) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, err := a.calls.GetTags(r.Context(), &rpc.Empty{})
	a.respond(w, r, resp, err)
}

func (a *API) handleRefit(w http.ResponseWriter, r *http.Request) {
	var req rpc.RefitRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp, err := a.calls.Refit(r.Context(), &req)
	a.respond(w, r, resp, err)
}
