package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/regen-network/koi/pkg/api"
	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/ledger"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/query"
)

type stubEngine struct {
	result pipeline.IngestResult
	err    error
}

func (s *stubEngine) Ingest(ctx context.Context, req pipeline.IngestRequest) (pipeline.IngestResult, error) {
	return s.result, s.err
}

type stubQuerier struct {
	artifact *artifacts.Artifact
	bytes    []byte
	chain    []ledger.CAT
	hits     []query.Hit
	err      error
}

func (s *stubQuerier) GetArtifact(ctx context.Context, ridOrCid string) (*artifacts.Artifact, []byte, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.artifact, s.bytes, nil
}

func (s *stubQuerier) Provenance(rid string) ([]ledger.CAT, error) {
	return s.chain, s.err
}

func (s *stubQuerier) Search(ctx context.Context, text string, topK int, filter query.Filter) ([]query.Hit, error) {
	return s.hits, s.err
}

func newMux(engine *stubEngine, querier *stubQuerier) *http.ServeMux {
	svc := api.NewMemoryService(engine, querier)
	mux := http.NewServeMux()
	svc.Routes(mux)
	return mux
}

func TestHandleProcessReturnsStatusAndReceipts(t *testing.T) {
	engine := &stubEngine{result: pipeline.IngestResult{
		Status:   pipeline.StatusNew,
		Rid:      "orn:regen.raw:notion/pageA",
		Cid:      "cid:sha256:" + fixedDigest,
		Receipts: []ledger.CAT{{CatID: "cat:normalize:abc", Operation: "normalize"}},
	}}
	mux := newMux(engine, &stubQuerier{})

	body, _ := json.Marshal(api.ProcessRequest{Source: "orn:regen.source:notion/pageA", Content: []byte("hello"), ContentType: "text/plain"})
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.ProcessResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(pipeline.StatusNew) || resp.Rid != "orn:regen.raw:notion/pageA" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(resp.Receipts))
	}
}

func TestHandleProcessRejectsEmptySource(t *testing.T) {
	mux := newMux(&stubEngine{}, &stubQuerier{})

	body, _ := json.Marshal(api.ProcessRequest{Content: []byte("hello"), ContentType: "text/plain"})
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleProcessMapsEmptyContentTo400(t *testing.T) {
	mux := newMux(&stubEngine{err: pipeline.ErrEmptyContent}, &stubQuerier{})

	body, _ := json.Marshal(api.ProcessRequest{Source: "orn:regen.source:a", ContentType: "text/plain"})
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleProcessMapsBudgetExceededTo429(t *testing.T) {
	mux := newMux(&stubEngine{err: pipeline.ErrBudgetExceeded}, &stubQuerier{})

	body, _ := json.Marshal(api.ProcessRequest{Source: "orn:regen.source:a", Content: []byte("x"), ContentType: "text/plain"})
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestHandleGetArtifactSetsIdentityHeaders(t *testing.T) {
	querier := &stubQuerier{
		artifact: &artifacts.Artifact{Rid: "orn:regen.raw:a", Cid: "cid:sha256:" + fixedDigest, Stage: artifacts.StageRaw, Format: "text/plain", CreatedAt: time.Now()},
		bytes:    []byte("hello world"),
	}
	mux := newMux(&stubEngine{}, querier)

	req := httptest.NewRequest(http.MethodGet, "/artifact/orn:regen.raw:a", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-KOI-Rid") != "orn:regen.raw:a" {
		t.Fatalf("missing X-KOI-Rid header: %v", w.Header())
	}
	if w.Body.String() != "hello world" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestHandleGetArtifactNotFoundMapsTo404(t *testing.T) {
	querier := &stubQuerier{err: artifacts.ErrNotFound}
	mux := newMux(&stubEngine{}, querier)

	req := httptest.NewRequest(http.MethodGet, "/artifact/orn:regen.raw:missing", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleProvenanceReturnsChain(t *testing.T) {
	querier := &stubQuerier{chain: []ledger.CAT{{CatID: "cat:normalize:abc", Operation: "normalize"}}}
	mux := newMux(&stubEngine{}, querier)

	req := httptest.NewRequest(http.MethodGet, "/provenance/orn:regen.normalized:a", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var chain []ledger.CAT
	if err := json.NewDecoder(w.Body).Decode(&chain); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chain) != 1 || chain[0].Operation != "normalize" {
		t.Fatalf("unexpected chain: %+v", chain)
	}
}

func TestHandleSearchRejectsEmptyText(t *testing.T) {
	mux := newMux(&stubEngine{}, &stubQuerier{})

	body, _ := json.Marshal(api.SearchRequest{TopK: 5})
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleSearchReturnsHits(t *testing.T) {
	querier := &stubQuerier{hits: []query.Hit{{FragmentRid: "orn:regen.markdown:a#chunk-0-embedding", Score: 0.9, ParentRid: "orn:regen.markdown:a"}}}
	mux := newMux(&stubEngine{}, querier)

	body, _ := json.Marshal(api.SearchRequest{Text: "ecological accounting", TopK: 5})
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var hits []query.Hit
	if err := json.NewDecoder(w.Body).Decode(&hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits) != 1 || hits[0].FragmentRid != "orn:regen.markdown:a#chunk-0-embedding" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

const fixedDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85"
