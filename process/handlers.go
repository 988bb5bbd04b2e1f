package process

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/pipeline"
	"github.com/dfmesh/dfm/response"
)

type (
	versionPayload struct {
		Version string `json:"version"`
		Site    string `json:"site"`
	}

	providerPayload struct {
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		APIs        []string `json:"apis"`
	}

	discoverPayload struct {
		Providers []providerPayload `json:"providers"`
	}

	processPayload struct {
		RequestID string `json:"request_id"`
	}

	responsesPayload struct {
		Responses []response.Response `json:"responses"`
	}

	errorPayload struct {
		ErrorKind string `json:"error_kind"`
		Message   string `json:"message"`
	}
)

func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionPayload{Version: s.version, Site: s.site.Site})
}

func (s *Service) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	var out discoverPayload
	for name, p := range s.site.Providers {
		apis := make([]string, 0, len(p.Interface))
		for api := range p.Interface {
			apis = append(apis, api)
		}
		sort.Strings(apis)
		out.Providers = append(out.Providers, providerPayload{
			Name:        name,
			Description: p.Description,
			APIs:        apis,
		})
	}
	sort.Slice(out.Providers, func(i, j int) bool { return out.Providers[i].Name < out.Providers[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p pipeline.Pipeline
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, response.ErrBadPipeline, "decode pipeline: "+err.Error())
		return
	}
	if err := pipeline.Verify(&p, s.classes, s.site); err != nil {
		pipelinesRejected.Inc()
		writeError(w, http.StatusBadRequest, response.ErrBadPipeline, err.Error())
		return
	}
	optimized, fps, err := pipeline.Optimize(&p, s.classes)
	if err != nil {
		writeError(w, http.StatusBadRequest, response.ErrBadPipeline, err.Error())
		return
	}

	rec := &broker.RequestRecord{
		ID:        uuid.NewString(),
		Pipeline:  optimized,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.broker.CreateRequest(ctx, rec); err != nil {
		s.internalError(ctx, w, "persist request", err)
		return
	}
	if err := s.broker.SetFingerprints(ctx, rec.ID, fps); err != nil {
		s.internalError(ctx, w, "persist fingerprints", err)
		return
	}

	// Seed folded constants into their consumers' port buffers so the
	// readiness rule sees them as closed upstream streams.
	for foldedID, value := range optimized.Folded {
		for _, consumer := range optimized.Consumers(foldedID) {
			for port, in := range consumer.Inputs {
				if in != foldedID {
					continue
				}
				if err := s.broker.PushInput(ctx, rec.ID, consumer.ID, port, value); err != nil {
					s.internalError(ctx, w, "seed folded input", err)
					return
				}
				if err := s.broker.CloseInput(ctx, rec.ID, consumer.ID, port); err != nil {
					s.internalError(ctx, w, "seed folded input", err)
					return
				}
			}
		}
	}

	// Initial ready set.
	for _, n := range optimized.Nodes {
		if _, err := s.broker.CheckEnqueue(ctx, rec, n.ID); err != nil {
			s.internalError(ctx, w, "enqueue initial ready set", err)
			return
		}
	}

	pipelinesAccepted.Inc()
	log.Info(ctx, log.KV{K: "msg", V: "pipeline accepted"},
		log.KV{K: "request_id", V: rec.ID}, log.KV{K: "nodes", V: len(optimized.Nodes)})
	writeJSON(w, http.StatusAccepted, processPayload{RequestID: rec.ID})
}

func (s *Service) handleResponses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "request_id")
	exists, err := s.broker.RequestExists(ctx, requestID)
	if err != nil {
		s.internalError(ctx, w, "check request", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, response.ErrNoSuchRequest, "unknown request "+requestID)
		return
	}

	max := s.maxBatch
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < max {
			max = n
		}
	}
	wait := s.maxPollWait
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			if d := time.Duration(ms) * time.Millisecond; d < wait {
				wait = d
			}
		}
	}

	envelopes, err := s.broker.PopResponses(ctx, requestID, max, wait)
	if err != nil {
		s.internalError(ctx, w, "pop responses", err)
		return
	}
	if envelopes == nil {
		envelopes = []response.Response{}
	}
	writeJSON(w, http.StatusOK, responsesPayload{Responses: envelopes})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "request_id")
	if err := s.broker.Cancel(ctx, requestID); err != nil {
		if errors.Is(err, broker.ErrNoSuchRequest) {
			writeError(w, http.StatusNotFound, response.ErrNoSuchRequest, "unknown request "+requestID)
			return
		}
		s.internalError(ctx, w, "cancel request", err)
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "request cancelled"}, log.KV{K: "request_id", V: requestID})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) internalError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	log.Error(ctx, err, log.KV{K: "msg", V: msg})
	writeError(w, http.StatusInternalServerError, response.ErrInternal, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind response.ErrorKind, message string) {
	writeJSON(w, status, errorPayload{ErrorKind: string(kind), Message: message})
}
