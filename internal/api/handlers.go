package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nclav/nclav/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// handleReconcile implements `POST /reconcile` and `POST /reconcile/dry-run`.
func (s *Server) handleReconcile(dryRun bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.Reconciler.Reconcile(r.Context(), dryRun)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// handleListEnclaves implements `GET /enclaves`.
func (s *Server) handleListEnclaves(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Store.ListEnclaves(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// enclaveDetail is the GET /enclaves/{id} response shape: the enclave
// record plus its partitions, so a caller never needs a second round trip.
type enclaveDetail struct {
	Enclave    domain.EnclaveRecord    `json:"enclave"`
	Partitions []domain.PartitionRecord `json:"partitions"`
}

// handleGetEnclave implements `GET /enclaves/{id}`, including the
// `?observe=true` drift-read path (4.6).
func (s *Server) handleGetEnclave(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["enclave"]

	if r.URL.Query().Get("observe") == "true" {
		rec, parts, err := s.Reconciler.Observe(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, enclaveDetail{Enclave: *rec, Partitions: parts})
		return
	}

	rec, err := s.Store.GetEnclave(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	parts, err := s.Store.ListPartitions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enclaveDetail{Enclave: *rec, Partitions: parts})
}

// handleDeleteEnclave implements `DELETE /enclaves/{id}`.
func (s *Server) handleDeleteEnclave(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["enclave"]
	result, err := s.Reconciler.DeleteEnclave(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetPartition implements `GET /enclaves/{id}/partitions/{part}`.
func (s *Server) handleGetPartition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.Store.GetPartition(r.Context(), vars["enclave"], vars["partition"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeletePartition implements `DELETE /enclaves/{id}/partitions/{part}`.
func (s *Server) handleDeletePartition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := s.Reconciler.DeletePartition(r.Context(), vars["enclave"], vars["partition"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListIacRuns implements `GET /enclaves/{id}/iac/runs` and its
// per-partition variant.
func (s *Server) handleListIacRuns(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runs, err := s.Store.ListIacRuns(r.Context(), vars["enclave"], vars["partition"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetIacRun implements `GET /enclaves/.../iac/runs/{id}`.
func (s *Server) handleGetIacRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Store.GetIacRun(r.Context(), mux.Vars(r)["run"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleLatestIacRun implements `GET /enclaves/.../iac/runs/latest`: the
// most recently started run for the given enclave and partition. On the
// enclave-only route the partition id is empty, so only runs stored with
// an empty partition id are considered; runs of the enclave's partitions
// are not included.
func (s *Server) handleLatestIacRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runs, err := s.Store.ListIacRuns(r.Context(), vars["enclave"], vars["partition"])
	if err != nil {
		writeError(w, err)
		return
	}
	if len(runs) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	latest := runs[0]
	for _, run := range runs[1:] {
		if run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	writeJSON(w, http.StatusOK, latest)
}

// handleListEvents implements `GET /events`.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EventFilter{
		EnclaveID:   q.Get("enclave"),
		PartitionID: q.Get("partition"),
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.Store.ListEvents(r.Context(), filter, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
