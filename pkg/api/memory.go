package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/identity"
	"github.com/regen-network/koi/pkg/ledger"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/query"
)

// Ingester is the capability MemoryService needs to run the single
// ingestion entrypoint, satisfied by *pipeline.Engine.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (pipeline.IngestResult, error)
}

// Querier is the capability MemoryService needs to serve artifact,
// provenance, and search lookups, satisfied by *query.Service.
type Querier interface {
	GetArtifact(ctx context.Context, ridOrCid string) (*artifacts.Artifact, []byte, error)
	Provenance(rid string) ([]ledger.CAT, error)
	Search(ctx context.Context, text string, topK int, filter query.Filter) ([]query.Hit, error)
}

// MemoryService is the public API for the knowledge ingestion and
// provenance engine: it wires HTTP handlers to the Pipeline Engine for
// writes and the Query Interface for reads.
type MemoryService struct {
	Engine Ingester
	Query  Querier
}

// NewMemoryService wires a MemoryService from its Pipeline Engine and
// Query Interface.
func NewMemoryService(engine Ingester, querier Querier) *MemoryService {
	return &MemoryService{Engine: engine, Query: querier}
}

// ProcessRequest is the /process request body per §6.
type ProcessRequest struct {
	Source      string            `json:"source"`
	ID          string            `json:"id,omitempty"`
	Content     []byte            `json:"content"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Priority    float64           `json:"priority,omitempty"`
}

// ProcessResponse is the /process 200 response body per §6.
type ProcessResponse struct {
	Rid      string       `json:"rid"`
	Cid      string       `json:"cid"`
	Status   string       `json:"status"`
	Receipts []ledger.CAT `json:"receipts"`
}

// Ingest runs req through the Pipeline Engine and reports its outcome.
func (s *MemoryService) Ingest(ctx context.Context, req ProcessRequest) (*ProcessResponse, error) {
	result, err := s.Engine.Ingest(ctx, pipeline.IngestRequest{
		SourceRid:    req.Source,
		OriginalID:   req.ID,
		ContentBytes: req.Content,
		ContentType:  req.ContentType,
		Metadata:     req.Metadata,
		Priority:     req.Priority,
	})
	if err != nil {
		return nil, err
	}
	return &ProcessResponse{
		Rid:      result.Rid,
		Cid:      result.Cid,
		Status:   string(result.Status),
		Receipts: result.Receipts,
	}, nil
}

// SearchRequest is the /search request body per §6.
type SearchRequest struct {
	Text   string       `json:"text"`
	TopK   int          `json:"topK"`
	Filter query.Filter `json:"filter,omitempty"`
}

// Search ranks the embedding index against req.Text.
func (s *MemoryService) Search(ctx context.Context, req SearchRequest) ([]query.Hit, error) {
	return s.Query.Search(ctx, req.Text, req.TopK, req.Filter)
}

// GetArtifact resolves a RID or CID to its bytes and metadata.
func (s *MemoryService) GetArtifact(ctx context.Context, ridOrCid string) (*artifacts.Artifact, []byte, error) {
	data, bytes, err := s.Query.GetArtifact(ctx, ridOrCid)
	if err != nil {
		return nil, nil, wrapNotFound(ridOrCid, err)
	}
	return data, bytes, nil
}

// Provenance returns the ordered CAT chain for rid.
func (s *MemoryService) Provenance(rid string) ([]ledger.CAT, error) {
	return s.Query.Provenance(rid)
}

// classifyIngestError maps an Ingest error to the §6 error taxonomy so
// handlers can pick the right HTTP status without inspecting message text.
func classifyIngestError(err error) (status int, code string) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyContent):
		return 400, "EmptyContent"
	case errors.Is(err, identity.ErrMalformedRID), errors.Is(err, pipeline.ErrMalformedInput):
		return 400, "MalformedRID"
	case errors.Is(err, pipeline.ErrBudgetExceeded):
		return 429, "BudgetExceeded"
	case pipeline.IsTransient(err):
		return 503, "Unavailable"
	default:
		return 500, "Internal"
	}
}

func wrapNotFound(ridOrCid string, err error) error {
	if errors.Is(err, artifacts.ErrNotFound) {
		return fmt.Errorf("%w: %s", artifacts.ErrNotFound, ridOrCid)
	}
	return err
}
