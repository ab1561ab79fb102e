package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nclav/nclav/internal/domain"
	"github.com/nclav/nclav/internal/store"
)

// The five endpoints below implement Terraform's HTTP backend protocol
// (4.5): state GET/POST/DELETE and lock POST/DELETE, keyed by
// "{enclave}/{partition}". State blobs are opaque; the server never parses
// them.

func (s *Server) stateKey(r *http.Request) string {
	vars := mux.Vars(r)
	return store.StateKey(vars["enclave"], vars["partition"])
}

// handleGetState implements `GET /terraform/state/{enclave}/{partition}`:
// 200 with the stored blob, 204 when no state has been written yet.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	data, err := s.Store.GetTFState(r.Context(), s.stateKey(r))
	if err == store.ErrNotFound {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handlePutState implements `POST /terraform/state/{enclave}/{partition}`.
func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.PutTFState(r.Context(), s.stateKey(r), data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDeleteState implements `DELETE /terraform/state/{enclave}/{partition}`.
func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteTFState(r.Context(), s.stateKey(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLockState implements `POST /terraform/state/{enclave}/{partition}/lock`:
// 200 if acquired, 409 with the existing lock's raw body if already held.
func (s *Server) handleLockState(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	var info domain.TFLockInfo
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &info); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	info.Raw = raw

	key := s.stateKey(r)
	if err := s.Store.LockTFState(r.Context(), key, info); err != nil {
		if err == store.ErrLocked {
			cur, held, cerr := s.Store.CurrentLock(r.Context(), key)
			if cerr == nil && held {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write(cur.Raw)
				return
			}
			w.WriteHeader(http.StatusConflict)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleUnlockState implements `DELETE /terraform/state/{enclave}/{partition}/lock`.
// An empty body force-unlocks regardless of the held lock's ID.
func (s *Server) handleUnlockState(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	var lockID string
	if len(raw) > 0 {
		var info domain.TFLockInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			lockID = info.ID
		}
	}
	if _, err := s.Store.UnlockTFState(r.Context(), s.stateKey(r), lockID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
