package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

const maxBodyBytes = 1 << 20

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch errs.KindOf(err) {
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrValidation:
		return http.StatusBadRequest
	case errs.ErrAuthorizationInvariant:
		return http.StatusForbidden
	case errs.ErrExternalDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeResult writes res with the status derived from its failure kind.
func writeResult(w http.ResponseWriter, res iam.Result, successStatus int) {
	status := successStatus
	if !res.Result {
		status = statusOf(res.Err())
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a failed Result for err.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), iam.Result{Result: false, Message: errs.Message(err)})
}

// decodeJSON reads a JSON body into dst. Unknown fields are rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation("request body is required")
		}
		return errs.Validation("invalid request body: %s", err)
	}
	if dec.More() {
		return errs.Validation("invalid request body: trailing data")
	}
	return nil
}
