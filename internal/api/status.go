package api

import (
	"net/http"

	"github.com/nclav/nclav/internal/errkind"
	"github.com/nclav/nclav/internal/reconciler"
	"github.com/nclav/nclav/internal/store"
)

// statusFor maps an error to the HTTP status the error handling design's
// taxonomy implies: validation/config failures are client errors, store
// conflicts and lock conflicts are 409, a bare store.ErrNotFound is 404,
// and everything else is a 5xx.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if _, ok := err.(*reconciler.ValidationError); ok {
		return http.StatusBadRequest
	}
	switch errkind.KindOf(err) {
	case errkind.Validation, errkind.Config:
		return http.StatusBadRequest
	case errkind.StoreConflict, errkind.LockConflict:
		return http.StatusConflict
	case errkind.Timeout:
		return http.StatusGatewayTimeout
	case errkind.StoreError, errkind.Driver, errkind.Iac:
		return http.StatusInternalServerError
	}
	if err == store.ErrNotFound {
		return http.StatusNotFound
	}
	if err == store.ErrConflict || err == store.ErrLocked {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
