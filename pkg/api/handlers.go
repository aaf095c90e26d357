package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/regen-network/koi/pkg/artifacts"
)

const maxRequestBytes = 64 << 20 // 64MB: ingested documents can be large

// Routes registers the §6 external interface on mux.
func (s *MemoryService) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /process", s.HandleProcess)
	mux.HandleFunc("GET /artifact/{ridOrCid}", s.HandleGetArtifact)
	mux.HandleFunc("GET /provenance/{rid}", s.HandleProvenance)
	mux.HandleFunc("POST /search", s.HandleSearch)
}

// HandleProcess handles POST /process: the Ingestion API's single
// entrypoint.
func (s *MemoryService) HandleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "MalformedInput", "invalid request body: "+err.Error())
		return
	}
	if req.Source == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "MalformedRID", "source is required")
		return
	}

	resp, err := s.Ingest(r.Context(), req)
	if err != nil {
		status, code := classifyIngestError(err)
		WriteErrorR(w, r, status, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleGetArtifact handles GET /artifact/{ridOrCid}: resolves the path
// segment as either a RID or a CID and streams back the raw bytes with
// identity headers.
func (s *MemoryService) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	ridOrCid := r.PathValue("ridOrCid")
	art, data, err := s.GetArtifact(r.Context(), ridOrCid)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			WriteErrorR(w, r, http.StatusNotFound, "NotFound", err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("X-KOI-Rid", art.Rid)
	w.Header().Set("X-KOI-Cid", art.Cid)
	w.Header().Set("X-KOI-Stage", art.Stage)
	if art.Format != "" {
		w.Header().Set("Content-Type", art.Format)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	_, _ = w.Write(data)
}

// HandleProvenance handles GET /provenance/{rid}: returns the ordered
// CAT chain for rid.
func (s *MemoryService) HandleProvenance(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	chain, err := s.Provenance(rid)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chain)
}

// HandleSearch handles POST /search: ranks the embedding index against
// the request text.
func (s *MemoryService) HandleSearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "MalformedInput", "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "MalformedInput", "text is required")
		return
	}

	hits, err := s.Search(r.Context(), req)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hits)
}
