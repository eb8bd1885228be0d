package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labelforge/labeld/internal/audit"
	"github.com/labelforge/labeld/internal/bridge"
	"github.com/labelforge/labeld/internal/idgen"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/tenant"
	"github.com/labelforge/labeld/internal/types"
)

// decodeJSON reads the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (s *Server) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, tenant.PermManageQueue) {
		return
	}
	id := identityFrom(r.Context())

	var sch types.Schema
	if !decodeJSON(w, r, &sch) {
		return
	}
	if sch.ID == "" {
		sch.ID = idgen.New("sch")
	}
	sch.TenantID = id.TenantID
	now := s.clk.Now()
	sch.CreatedAt = now
	sch.UpdatedAt = now
	if err := sch.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
		return
	}
	if err := s.store.CreateSchema(r.Context(), &sch); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.Record(r.Context(), s.store, id.TenantID, "schema", sch.ID,
		types.AuditCreated, id.UserID, nil)
	writeJSON(w, http.StatusCreated, &sch)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	sch, err := s.store.GetSchema(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

type createQueueRequest struct {
	Name            string             `json:"name"`
	SchemaID        string             `json:"schema_id"`
	Policy          types.PolicyConfig `json:"policy"`
	LabelsPerSample int                `json:"labels_per_sample"`
	TimeoutSeconds  int                `json:"timeout_seconds"`
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, tenant.PermManageQueue) {
		return
	}
	id := identityFrom(r.Context())

	var req createQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SchemaID == "" {
		writeError(w, http.StatusUnprocessableEntity, "component_module_required",
			"queue creation requires schema_id referencing a labeling schema")
		return
	}
	sch, err := s.store.GetSchema(r.Context(), id.TenantID, req.SchemaID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := s.clk.Now()
	queue := &types.Queue{
		ID:              idgen.New("q"),
		TenantID:        id.TenantID,
		Name:            req.Name,
		Policy:          req.Policy,
		Status:          types.QueueActive,
		LabelsPerSample: req.LabelsPerSample,
		TimeoutSeconds:  req.TimeoutSeconds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	version := &types.SchemaVersion{
		ID:         idgen.New("sv"),
		TenantID:   id.TenantID,
		QueueID:    queue.ID,
		Version:    1,
		Definition: *sch,
		CreatedAt:  now,
	}
	queue.SchemaVersionID = version.ID

	if err := s.store.CreateSchemaVersion(r.Context(), version); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.CreateQueue(r.Context(), queue); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.Record(r.Context(), s.store, id.TenantID, "queue", queue.ID,
		types.AuditCreated, id.UserID, map[string]string{"schema_id": req.SchemaID})
	writeJSON(w, http.StatusCreated, queue)
}

type queueResponse struct {
	*types.Queue
	Stats *types.QueueStats `json:"stats"`
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	queue, err := s.store.GetQueue(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stats, err := s.store.QueueStats(r.Context(), id.TenantID, queue.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Queue: queue, Stats: stats})
}

type createSampleRequest struct {
	QueueID  string            `json:"queue_id"`
	SampleID string            `json:"sample_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSample(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, tenant.PermRequestAssignment) {
		return
	}
	id := identityFrom(r.Context())

	var req createSampleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.QueueID == "" || req.SampleID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload",
			"queue_id and sample_id are required")
		return
	}
	if _, err := s.store.GetQueue(r.Context(), id.TenantID, req.QueueID); err != nil {
		writeDomainError(w, err)
		return
	}

	ref := &types.SampleRef{
		ID:        idgen.New("smp"),
		TenantID:  id.TenantID,
		QueueID:   req.QueueID,
		SampleID:  req.SampleID,
		Metadata:  req.Metadata,
		CreatedAt: s.clk.Now(),
	}
	if err := s.store.CreateSampleRef(r.Context(), ref); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

type sampleResponse struct {
	*types.SampleRef
	Content *bridge.SampleDTO `json:"content,omitempty"`
}

func (s *Server) handleGetSample(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	ref, err := s.store.GetSampleRef(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := sampleResponse{SampleRef: ref}
	if s.samples != nil {
		dto, err := s.samples.FetchSample(r.Context(), ref.SampleID, bridge.FetchOpts{})
		switch {
		case err == nil:
			resp.Content = dto
		case errors.Is(err, bridge.ErrNotFound):
			// Ref without content is still a valid answer.
		default:
			writeDomainError(w, err)
			return
		}
	}
	_ = audit.Record(r.Context(), s.store, id.TenantID, "sample", ref.ID,
		types.AuditAccessed, id.UserID, map[string]string{"sample_id": ref.SampleID})
	writeJSON(w, http.StatusOK, resp)
}

// resolveLabeler accepts either a labeler id or an external id.
func (s *Server) resolveLabeler(r *http.Request, tenantID, userID string) (*types.Labeler, error) {
	labeler, err := s.store.GetLabeler(r.Context(), tenantID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.GetLabelerByExternalID(r.Context(), tenantID, userID)
	}
	return labeler, err
}

func (s *Server) handleFetchNext(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, tenant.PermRequestAssignment) {
		return
	}
	id := identityFrom(r.Context())

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = id.UserID
	}
	if userID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", "user_id is required")
		return
	}
	labeler, err := s.resolveLabeler(r, id.TenantID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	assignment, err := s.dispatcher.FetchNext(r.Context(), id.TenantID, r.PathValue("queue_id"), labeler.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

type submitLabelRequest struct {
	AssignmentID string         `json:"assignment_id"`
	LabelerID    string         `json:"labeler_id"`
	Payload      map[string]any `json:"payload"`
}

func (s *Server) handleSubmitLabel(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, tenant.PermSubmitLabel) {
		return
	}
	id := identityFrom(r.Context())

	var req submitLabelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	labelerID := req.LabelerID
	if labelerID == "" {
		labelerID = id.UserID
	}
	if req.AssignmentID == "" || labelerID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload",
			"assignment_id and labeler_id are required")
		return
	}
	labeler, err := s.resolveLabeler(r, id.TenantID, labelerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	label, err := s.dispatcher.SubmitLabel(r.Context(), id.TenantID, req.AssignmentID, labeler.ID, req.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, label)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"datasets": s.datasets.List(id.TenantID),
	})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	m, ok := s.datasets.Get(id.TenantID, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetSlice(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	m, ok := s.datasets.Slice(id.TenantID, r.PathValue("id"), r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "dataset slice not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}
