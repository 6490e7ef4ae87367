package server

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/core"
	"TroveLedger/internal/ingestion"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxCommandBody = 1 << 20

var errBadRequest = errors.New("bad request")

// SnapshotFunc takes a snapshot of the engine and returns its sequence.
type SnapshotFunc func(ctx context.Context) (int64, error)

// APIDeps holds everything the HTTP routes need. DB and Snapshot are
// optional; the routes that need them answer 503 without.
type APIDeps struct {
	Query     *query.Service
	Submitter ingestion.Submitter
	DB        *sql.DB
	Snapshot  SnapshotFunc
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// API serves the HTTP/JSON surface.
type API struct {
	deps APIDeps
}

func NewAPI(deps APIDeps) *API {
	return &API{deps: deps}
}

type route struct {
	method   string
	pattern  string
	endpoint string
	handler  func(r *http.Request, params map[string]string) (any, error)
}

func (a *API) routes() []route {
	return []route{
		{"POST", "/v1/commands", "submit_command", a.submitCommand},
		{"GET", "/v1/assets", "list_assets", a.listAssets},
		{"GET", "/v1/assets/{asset}", "get_asset", a.getAsset},
		{"GET", "/v1/prices/{asset}", "get_price", a.getPrice},
		{"GET", "/v1/troves/{owner}/{asset}", "get_trove", a.getTrove},
		{"GET", "/v1/users/{user}/troves", "get_user_troves", a.getUserTroves},
		{"GET", "/v1/users/{user}/balances/{asset}", "get_balance", a.getBalance},
		{"GET", "/v1/users/{user}/journals", "get_journals", a.getJournals},
		{"GET", "/v1/users/{user}/liquidations", "get_liquidations", a.getLiquidations},
		{"GET", "/v1/pool", "get_pool", a.getPool},
		{"GET", "/v1/pool/deposits/{depositor}", "get_deposit", a.getDeposit},
		{"GET", "/v1/admin/integrity", "verify_integrity", a.verifyIntegrity},
		{"POST", "/v1/admin/snapshots", "take_snapshot", a.takeSnapshot},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", a.rebuildProjections},
	}
}

// Register installs every route on mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	for _, rt := range a.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (a *API) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := rt.handler(r, params)

		code := http.StatusOK
		if err != nil {
			code = statusFor(err)
			if code >= 500 {
				a.deps.Logger.Error().Err(err).Str("endpoint", rt.endpoint).Msg("request failed")
			}
			body = map[string]string{"error": err.Error()}
		}

		if m := a.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(rt.endpoint, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(rt.endpoint).Observe(time.Since(start).Seconds())
		}
		writeJSON(w, code, body)
	}
}

// statusFor maps domain errors onto HTTP status codes. Any other error from a
// command is a rejection by the engine and answers 422.
func statusFor(err error) int {
	var rej *rejection
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, ingestion.ErrMalformed), errors.Is(err, core.ErrUnknownCommand),
		errors.Is(err, fpmath.ErrAmountTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, query.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNonceGap), errors.Is(err, core.ErrNonceOutOfOrder), errors.Is(err, core.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, core.ErrRunnerStopped), errors.Is(err, query.ErrNoDatabase):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &rej):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// rejection marks an error returned by the engine for a well-formed command.
type rejection struct{ err error }

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ============================================================================
// Commands
// ============================================================================

type submitResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Duplicate bool   `json:"duplicate"`
	Value     any    `json:"value,omitempty"`
}

func (a *API) submitCommand(r *http.Request, _ map[string]string) (any, error) {
	if a.deps.Submitter == nil {
		return nil, core.ErrRunnerStopped
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	req, err := ingestion.ParseCommand(data)
	if err != nil {
		return nil, err
	}

	res, err := a.deps.Submitter.Submit(r.Context(), req)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			return nil, &rejection{err}
		}
		return nil, err
	}
	return submitResponse{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Duplicate: res.Duplicate,
		Value:     res.Value,
	}, nil
}

// ============================================================================
// Live queries
// ============================================================================

func (a *API) listAssets(r *http.Request, _ map[string]string) (any, error) {
	assets, err := a.deps.Query.ListAssets(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string][]string{"assets": assets}, nil
}

func (a *API) getAsset(r *http.Request, p map[string]string) (any, error) {
	return a.deps.Query.GetAsset(r.Context(), p["asset"])
}

func (a *API) getPrice(r *http.Request, p map[string]string) (any, error) {
	return a.deps.Query.GetPrice(r.Context(), p["asset"])
}

func (a *API) getTrove(r *http.Request, p map[string]string) (any, error) {
	owner, err := parseUUID(p["owner"])
	if err != nil {
		return nil, err
	}
	return a.deps.Query.GetTrove(r.Context(), owner, p["asset"])
}

func (a *API) getUserTroves(r *http.Request, p map[string]string) (any, error) {
	user, err := parseUUID(p["user"])
	if err != nil {
		return nil, err
	}
	return a.deps.Query.GetUserTroves(r.Context(), user)
}

func (a *API) getPool(r *http.Request, _ map[string]string) (any, error) {
	return a.deps.Query.GetPool(r.Context())
}

func (a *API) getDeposit(r *http.Request, p map[string]string) (any, error) {
	depositor, err := parseUUID(p["depositor"])
	if err != nil {
		return nil, err
	}
	return a.deps.Query.GetDeposit(r.Context(), depositor)
}

// ============================================================================
// Projection queries
// ============================================================================

func (a *API) getBalance(r *http.Request, p map[string]string) (any, error) {
	user, err := parseUUID(p["user"])
	if err != nil {
		return nil, err
	}
	return a.deps.Query.GetBalance(r.Context(), user, p["asset"])
}

func (a *API) getJournals(r *http.Request, p map[string]string) (any, error) {
	user, err := parseUUID(p["user"])
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: before: %v", errBadRequest, err)
		}
		before = &seq
	}
	entries, err := a.deps.Query.GetJournalHistory(r.Context(), user, limit, before)
	if err != nil {
		return nil, err
	}
	return map[string]any{"journals": entries}, nil
}

func (a *API) getLiquidations(r *http.Request, p map[string]string) (any, error) {
	user, err := parseUUID(p["user"])
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	rows, err := a.deps.Query.GetLiquidations(r.Context(), user, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"liquidations": rows}, nil
}

// ============================================================================
// Admin
// ============================================================================

func (a *API) verifyIntegrity(r *http.Request, _ map[string]string) (any, error) {
	return a.deps.Query.VerifyIntegrity(r.Context())
}

func (a *API) takeSnapshot(r *http.Request, _ map[string]string) (any, error) {
	if a.deps.Snapshot == nil {
		return nil, query.ErrNoDatabase
	}
	seq, err := a.deps.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]int64{"sequence": seq}, nil
}

func (a *API) rebuildProjections(r *http.Request, _ map[string]string) (any, error) {
	if a.deps.DB == nil {
		return nil, query.ErrNoDatabase
	}
	if err := projection.RebuildProjections(r.Context(), a.deps.DB, a.deps.Logger); err != nil {
		return nil, err
	}
	return map[string]string{"status": "rebuilt"}, nil
}

// --- helpers ---

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", errBadRequest, s)
	}
	return id, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return n, nil
}
