package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/evaluator"
	"github.com/hed1ad/ledgerguard/pkg/intake"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
	"github.com/hed1ad/ledgerguard/pkg/retrain"
)

const maxBodyBytes = 1 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	evaluator      *evaluator.Evaluator
	intake         *intake.Intake
	orchestrator   *retrain.Orchestrator
	postings       repository.PostingRepository
	store          *modelstore.Store
	errorHandler   *ErrorHandler
	logger         *zap.Logger
	retrainTimeout time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Dependencies, errorHandler *ErrorHandler, retrainTimeout time.Duration, logger *zap.Logger) *Handlers {
	return &Handlers{
		evaluator:      deps.Evaluator,
		intake:         deps.Intake,
		orchestrator:   deps.Orchestrator,
		postings:       deps.Postings,
		store:          deps.Orchestrator.Store(),
		errorHandler:   errorHandler,
		logger:         logger,
		retrainTimeout: retrainTimeout,
	}
}

// EvaluateResponse is the body of a successful evaluation.
type EvaluateResponse struct {
	TenantID   posting.TenantID `json:"tenant_id"`
	Suspicious bool             `json:"suspicious"`
	Score      float64          `json:"score"`
	Threshold  float64          `json:"threshold"`
}

// Evaluate handles POST /v1/evaluate requests.
//
// The body is decoded loosely so that a missing or non-numeric feature is
// reported as INVALID_FEATURES rather than a decode error.
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r)
	if err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}

	tenant, err := tenantField(body)
	if err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}

	score, err := h.evaluator.Score(tenant, body)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, EvaluateResponse{
		TenantID:   tenant,
		Suspicious: score.IsAnomaly,
		Score:      score.Value,
		Threshold:  score.Threshold,
	})
}

// PostingResponse is a stored posting.
type PostingResponse struct {
	ID                  int64            `json:"id"`
	TenantID            posting.TenantID `json:"tenant_id"`
	AccountHandleNumber int64            `json:"account_handle_number"`
	Amount              string           `json:"amount"`
	Date                string           `json:"date"`
	Currency            string           `json:"currency,omitempty"`
	Description         string           `json:"description,omitempty"`
	IsSuspicious        *bool            `json:"is_suspicious"`
}

func newPostingResponse(p posting.Posting) PostingResponse {
	return PostingResponse{
		ID:                  p.ID,
		TenantID:            p.TenantID,
		AccountHandleNumber: p.AccountHandleNumber,
		Amount:              p.Amount.String(),
		Date:                p.Date.Format("2006-01-02"),
		Currency:            p.Currency,
		Description:         p.Description,
		IsSuspicious:        p.IsSuspicious,
	}
}

// CreatePosting handles POST /v1/postings requests.
func (h *Handlers) CreatePosting(w http.ResponseWriter, r *http.Request) {
	var in posting.Input
	if err := decodeStrict(r, &in); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is required")
		}
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	p, err := in.Posting()
	if err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}

	stored, err := h.intake.Submit(r.Context(), p)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, newPostingResponse(stored))
}

// RetrainRequest selects a single tenant; an empty body retrains all tenants.
type RetrainRequest struct {
	TenantID *posting.TenantID `json:"tenant_id"`
}

// RetrainResponse is the retrain result. ErrorCode is set when the models were
// swapped but could not be persisted.
type RetrainResponse struct {
	retrain.Result
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

// Retrain handles POST /v1/retrain requests.
func (h *Handlers) Retrain(w http.ResponseWriter, r *http.Request) {
	var req RetrainRequest
	if err := decodeStrict(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	if req.TenantID != nil && *req.TenantID <= 0 {
		h.errorHandler.WriteValidationError(w, r, "tenant_id must be positive")
		return
	}

	ctx, cancel := h.withRetrainTimeout(r.Context())
	defer cancel()

	result, err := h.orchestrator.Retrain(ctx, req.TenantID)
	switch {
	case errors.Is(err, retrain.ErrPersist):
		writeJSONResponse(w, http.StatusOK, RetrainResponse{Result: result, ErrorCode: ErrorCodePersistenceDiverged})
	case err != nil:
		h.errorHandler.HandleError(w, r, err)
	default:
		writeJSONResponse(w, http.StatusOK, RetrainResponse{Result: result})
	}
}

// Backfill handles POST /v1/backfill requests.
func (h *Handlers) Backfill(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withRetrainTimeout(r.Context())
	defer cancel()

	postings, err := h.postings.ListPostings(ctx)
	if err != nil {
		h.errorHandler.HandleError(w, r, fmt.Errorf("list postings: %w", err))
		return
	}
	result, err := h.evaluator.Backfill(ctx, postings, h.postings)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, result)
}

// ModelInfo describes a live model pair.
type ModelInfo struct {
	TenantID      posting.TenantID `json:"tenant_id"`
	RunID         uuid.UUID        `json:"run_id"`
	TrainedAt     time.Time        `json:"trained_at"`
	Threshold     float64          `json:"threshold"`
	Contamination float64          `json:"contamination"`
	Trees         int              `json:"trees"`
	SampleSize    int              `json:"sample_size"`
}

func newModelInfo(p *modelstore.ModelPair) ModelInfo {
	return ModelInfo{
		TenantID:      p.TenantID,
		RunID:         p.RunID,
		TrainedAt:     p.TrainedAt,
		Threshold:     p.Forest.Threshold(),
		Contamination: p.Forest.Contamination(),
		Trees:         p.Forest.NumTrees(),
		SampleSize:    p.Forest.SampleSize(),
	}
}

// ModelsResponse lists the models of one snapshot.
type ModelsResponse struct {
	SnapshotVersion uint64      `json:"snapshot_version"`
	Models          []ModelInfo `json:"models"`
}

// ListModels handles GET /v1/models requests.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Current()
	resp := ModelsResponse{
		SnapshotVersion: snap.Version(),
		Models:          make([]ModelInfo, 0, snap.Len()),
	}
	for _, id := range snap.Tenants() {
		pair, _ := snap.Get(id)
		resp.Models = append(resp.Models, newModelInfo(pair))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// GetModel handles GET /v1/models/{tenant_id} requests.
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	tenant, err := posting.ParseTenantID(mux.Vars(r)["tenant_id"])
	if err != nil || tenant <= 0 {
		h.errorHandler.WriteValidationError(w, r, "tenant_id must be a positive integer")
		return
	}

	pair, ok := h.store.Get(tenant)
	if !ok {
		h.errorHandler.HandleError(w, r, &modelstore.ModelNotFoundError{TenantID: tenant})
		return
	}
	writeJSONResponse(w, http.StatusOK, newModelInfo(pair))
}

func (h *Handlers) withRetrainTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.retrainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.retrainTimeout)
}

func decodeObject(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if body == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return body, nil
}

// decodeStrict returns io.EOF unwrapped for an empty body.
func decodeStrict(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return io.EOF
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func tenantField(body map[string]any) (posting.TenantID, error) {
	raw, ok := body["tenant_id"]
	if !ok {
		return 0, errors.New("tenant_id is required")
	}
	n, ok := raw.(json.Number)
	if !ok {
		return 0, errors.New("tenant_id must be an integer")
	}
	id, err := n.Int64()
	if err != nil || id <= 0 {
		return 0, errors.New("tenant_id must be a positive integer")
	}
	return posting.TenantID(id), nil
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
