package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/middleware"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/services/ingest"
	"github.com/upb/sdp-ingestion/services/processing"
	"github.com/upb/sdp-ingestion/services/ratelimit"
	"github.com/upb/sdp-ingestion/services/results"
	"github.com/upb/sdp-ingestion/services/tenant"
	"github.com/upb/sdp-ingestion/utils"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes caps JSON and multipart request bodies
const DefaultMaxBodyBytes = 32 << 20

// IngestBatchRequest is the JSON body of an ingest call. Each record is a
// JSON object keyed by record_key (or customer_id); its payload is the
// "payload" field when present, otherwise the whole object.
type IngestBatchRequest struct {
	BatchID        string            `json:"batch_id,omitempty" validate:"omitempty,uuid"`
	ClientID       string            `json:"client_id,omitempty" validate:"omitempty,max=100"`
	TenantID       string            `json:"tenant_id,omitempty" validate:"omitempty,max=100"`
	ProcessingType string            `json:"processing_type" validate:"required,max=100"`
	Records        []json.RawMessage `json:"records"`
}

// IngestBatchResponse reports an ingest call
type IngestBatchResponse struct {
	BatchID         uuid.UUID          `json:"batch_id"`
	ClientID        string             `json:"client_id"`
	Created         bool               `json:"created"`
	AcceptedRecords int                `json:"accepted_records"`
	SkippedRecords  int                `json:"skipped_records"`
	RejectedRecords int                `json:"rejected_records"`
	Rejections      []ingest.Rejection `json:"rejections"`
	Status          models.BatchStatus `json:"status"`
}

// TenantRequest carries an optional tenant claim in a JSON body
type TenantRequest struct {
	ClientID string `json:"client_id,omitempty" validate:"omitempty,max=100"`
	TenantID string `json:"tenant_id,omitempty" validate:"omitempty,max=100"`
}

// ProcessBatchResponse reports a process or reprocess call
type ProcessBatchResponse struct {
	BatchID          uuid.UUID          `json:"batch_id"`
	ClientID         string             `json:"client_id"`
	ProcessedRecords int                `json:"processed_records"`
	SkippedRecords   int                `json:"skipped_records"`
	DeletedResults   *int64             `json:"deleted_results,omitempty"`
	ModelVersion     string             `json:"model_version"`
	Status           models.BatchStatus `json:"status"`
}

// SubmitResultsRequest carries externally computed results
type SubmitResultsRequest struct {
	TenantRequest
	Results       []SubmittedResult `json:"results" validate:"required,dive"`
	MarkProcessed bool              `json:"mark_processed"`
}

// SubmittedResult is one externally computed result
type SubmittedResult struct {
	RecordKey    string `json:"record_key" validate:"required,max=255"`
	RiskScore    string `json:"risk_score" validate:"required,max=50"`
	ModelVersion string `json:"model_version" validate:"required,max=50"`
}

// SubmitResultsResponse reports a submit call
type SubmitResultsResponse struct {
	BatchID         uuid.UUID          `json:"batch_id"`
	ClientID        string             `json:"client_id"`
	AcceptedResults int                `json:"accepted_results"`
	SkippedResults  int                `json:"skipped_results"`
	Status          models.BatchStatus `json:"status"`
}

// ResultRecord is one result in a results response
type ResultRecord struct {
	RecordKey    string `json:"record_key"`
	RiskScore    string `json:"risk_score"`
	ModelVersion string `json:"model_version"`
}

// BatchResultsResponse is a batch's status and results
type BatchResultsResponse struct {
	BatchID uuid.UUID          `json:"batch_id"`
	Status  models.BatchStatus `json:"status"`
	Records []ResultRecord     `json:"records"`
}

// AuditEventResponse is one audit event
type AuditEventResponse struct {
	ID        uuid.UUID       `json:"id"`
	EventType string          `json:"event_type"`
	ClientID  string          `json:"client_id"`
	Details   json.RawMessage `json:"details,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// AuditTrailResponse is one page of a batch's audit trail
type AuditTrailResponse struct {
	BatchID uuid.UUID            `json:"batch_id"`
	Events  []AuditEventResponse `json:"events"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// Ingestor defines the ingestion operations the handler needs
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestOutcome, error)
}

// Processor defines the processing operations the handler needs
type Processor interface {
	Process(ctx context.Context, req processing.ProcessRequest) (*processing.ProcessOutcome, error)
	Reprocess(ctx context.Context, req processing.ProcessRequest) (*processing.ProcessOutcome, error)
	SubmitResults(ctx context.Context, req processing.SubmitRequest) (*processing.SubmitOutcome, error)
}

// ResultsReader defines the read operations the handler needs
type ResultsReader interface {
	GetResults(ctx context.Context, q results.Query) (*results.BatchResults, error)
	GetAuditTrail(ctx context.Context, q results.AuditQuery) (*results.AuditTrail, error)
}

// BatchHandler handles batch HTTP requests
type BatchHandler struct {
	ingestor     Ingestor
	processor    Processor
	reader       ResultsReader
	maxBodyBytes int64
	maxRecords   int
	logger       *zap.Logger
}

// NewBatchHandler creates a new BatchHandler. Non-positive limits use the defaults.
func NewBatchHandler(ingestor Ingestor, processor Processor, reader ResultsReader, maxBodyBytes int64, maxRecords int, logger *zap.Logger) *BatchHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if maxRecords <= 0 {
		maxRecords = ingest.DefaultMaxRecords
	}
	return &BatchHandler{
		ingestor:     ingestor,
		processor:    processor,
		reader:       reader,
		maxBodyBytes: maxBodyBytes,
		maxRecords:   maxRecords,
		logger:       logger,
	}
}

// HandleIngest handles POST /api/v1/batches
func (h *BatchHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, ok := middleware.GetResolutionFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req IngestBatchRequest
	if err := utils.DecodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	batchID, err := utils.ParseOptionalUUID(req.BatchID, "batch_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	claim, err := tenantClaim(r, req.ClientID, req.TenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	records := make([]ingest.RecordInput, len(req.Records))
	for i, raw := range req.Records {
		records[i] = decodeRecord(raw)
	}

	h.ingest(w, r, ingest.IngestRequest{
		Resolution:     res,
		BatchID:        batchID,
		TenantClaim:    claim,
		ProcessingType: req.ProcessingType,
		Records:        records,
	})
}

// HandleIngestFile handles POST /api/v1/batches/file with a multipart CSV upload
func (h *BatchHandler) HandleIngestFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, ok := middleware.GetResolutionFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := r.ParseMultipartForm(h.maxBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			HandleValidationError(w, utils.ErrBodyTooLarge, h.logger)
			return
		}
		HandleValidationError(w, errors.New("invalid multipart form"), h.logger)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("file")
	if err != nil {
		HandleValidationError(w, errors.New("file is required"), h.logger)
		return
	}
	defer file.Close()

	processingType := strings.TrimSpace(r.FormValue("processing_type"))
	batchID, err := utils.ParseOptionalUUID(r.FormValue("batch_id"), "batch_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	claim, err := tenantClaim(r, r.PostFormValue("client_id"), r.PostFormValue("tenant_id"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	records, err := ingest.ParseCSV(file, h.maxRecords)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.ingest(w, r, ingest.IngestRequest{
		Resolution:     res,
		BatchID:        batchID,
		TenantClaim:    claim,
		ProcessingType: processingType,
		Records:        records,
	})
}

func (h *BatchHandler) ingest(w http.ResponseWriter, r *http.Request, req ingest.IngestRequest) {
	out, err := h.ingestor.Ingest(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	setDecisionHeaders(w, out.Decision)
	h.writeOK(w, IngestBatchResponse{
		BatchID:         out.BatchID,
		ClientID:        out.TenantID,
		Created:         out.Created,
		AcceptedRecords: out.Inserted,
		SkippedRecords:  out.Skipped,
		RejectedRecords: out.Rejected,
		Rejections:      out.Rejections,
		Status:          out.Status,
	})
}

// HandleProcess handles POST /api/v1/batches/{id}/process
func (h *BatchHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	h.process(w, r, h.processor.Process)
}

// HandleReprocess handles POST /api/v1/batches/{id}/reprocess
func (h *BatchHandler) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	h.process(w, r, h.processor.Reprocess)
}

func (h *BatchHandler) process(w http.ResponseWriter, r *http.Request, run func(context.Context, processing.ProcessRequest) (*processing.ProcessOutcome, error)) {
	res, batchID, ok := h.batchRequest(w, r)
	if !ok {
		return
	}

	var body TenantRequest
	if !h.decodeOptionalBody(w, r, &body) {
		return
	}
	claim, err := tenantClaim(r, body.ClientID, body.TenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	out, err := run(r.Context(), processing.ProcessRequest{Resolution: res, BatchID: batchID, TenantClaim: claim})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	resp := ProcessBatchResponse{
		BatchID:          out.BatchID,
		ClientID:         out.TenantID,
		ProcessedRecords: out.Inserted,
		SkippedRecords:   out.Skipped,
		ModelVersion:     out.ModelVersion,
		Status:           out.Status,
	}
	if out.Deleted > 0 {
		deleted := out.Deleted
		resp.DeletedResults = &deleted
	}

	setDecisionHeaders(w, out.Decision)
	h.writeOK(w, resp)
}

// HandleSubmitResults handles POST /api/v1/batches/{id}/results
func (h *BatchHandler) HandleSubmitResults(w http.ResponseWriter, r *http.Request) {
	res, batchID, ok := h.batchRequest(w, r)
	if !ok {
		return
	}

	var req SubmitResultsRequest
	if err := utils.DecodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	claim, err := tenantClaim(r, req.ClientID, req.TenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	inputs := make([]processing.ResultInput, len(req.Results))
	for i, in := range req.Results {
		inputs[i] = processing.ResultInput{RecordKey: in.RecordKey, RiskScore: in.RiskScore, ModelVersion: in.ModelVersion}
	}

	out, err := h.processor.SubmitResults(r.Context(), processing.SubmitRequest{
		Resolution:    res,
		BatchID:       batchID,
		TenantClaim:   claim,
		Results:       inputs,
		MarkProcessed: req.MarkProcessed,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	setDecisionHeaders(w, out.Decision)
	h.writeOK(w, SubmitResultsResponse{
		BatchID:         out.BatchID,
		ClientID:        out.TenantID,
		AcceptedResults: out.Inserted,
		SkippedResults:  out.Skipped,
		Status:          out.Status,
	})
}

// HandleGetResults handles GET /api/v1/batches/{id}/results
func (h *BatchHandler) HandleGetResults(w http.ResponseWriter, r *http.Request) {
	res, batchID, ok := h.batchRequest(w, r)
	if !ok {
		return
	}
	claim, err := tenantClaim(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	out, err := h.reader.GetResults(r.Context(), results.Query{Resolution: res, BatchID: batchID, TenantClaim: claim})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	records := make([]ResultRecord, len(out.Results))
	for i, res := range out.Results {
		records[i] = ResultRecord{RecordKey: res.RecordKey, RiskScore: res.RiskScore, ModelVersion: res.ModelVersion}
	}

	setDecisionHeaders(w, out.Decision)
	h.writeOK(w, BatchResultsResponse{BatchID: out.BatchID, Status: out.Status, Records: records})
}

// HandleGetAuditTrail handles GET /api/v1/batches/{id}/audit
func (h *BatchHandler) HandleGetAuditTrail(w http.ResponseWriter, r *http.Request) {
	res, batchID, ok := h.batchRequest(w, r)
	if !ok {
		return
	}
	claim, err := tenantClaim(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	out, err := h.reader.GetAuditTrail(r.Context(), results.AuditQuery{
		Query:  results.Query{Resolution: res, BatchID: batchID, TenantClaim: claim},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	events := make([]AuditEventResponse, len(out.Events))
	for i, e := range out.Events {
		events[i] = AuditEventResponse{
			ID:        e.ID,
			EventType: string(e.EventType),
			ClientID:  e.TenantID,
			Details:   e.Details,
			RequestID: e.RequestID,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}

	setDecisionHeaders(w, out.Decision)
	h.writeOK(w, AuditTrailResponse{BatchID: out.BatchID, Events: events, Limit: limit, Offset: offset})
}

// batchRequest reads the caller's resolution and the {id} path parameter
func (h *BatchHandler) batchRequest(w http.ResponseWriter, r *http.Request) (res tenant.Resolution, batchID uuid.UUID, ok bool) {
	res, found := middleware.GetResolutionFromContext(r.Context())
	if !found {
		_ = utils.WriteUnauthorized(w, "")
		return res, uuid.Nil, false
	}

	batchID, err := utils.ParseUUID(chi.URLParam(r, "id"), "batch_id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return res, uuid.Nil, false
	}
	return res, batchID, true
}

// decodeOptionalBody decodes a JSON body when one is sent
func (h *BatchHandler) decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := utils.DecodeJSON(w, r, dst, h.maxBodyBytes); err != nil {
		if errors.Is(err, utils.ErrEmptyBody) {
			return true
		}
		HandleValidationError(w, err, h.logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}

func (h *BatchHandler) writeOK(w http.ResponseWriter, data interface{}) {
	if err := utils.WriteOK(w, data); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// decodeRecord turns one submitted JSON record into a RecordInput.
// Records that are not objects keep an empty key and are rejected by the ingestor.
func decodeRecord(raw json.RawMessage) ingest.RecordInput {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return ingest.RecordInput{Payload: raw}
	}

	key := stringField(fields["record_key"])
	if key == "" {
		key = stringField(fields["customer_id"])
	}

	payload := raw
	if p, ok := fields["payload"]; ok {
		payload = p
	}
	return ingest.RecordInput{RecordKey: key, Payload: payload}
}

// stringField reads a JSON string, or the literal text of a number
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func queryInt(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func setDecisionHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	utils.SetRateLimitHeaders(w, d.Limit, d.Remaining, d.ResetEpoch)
}
