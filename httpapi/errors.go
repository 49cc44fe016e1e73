package httpapi

import (
	"encoding/json"
	"net/http"

	coreerrors "github.com/newsmesh/gpu-orchestrator/internal/errors"
)

// errorBody is the wire shape of a failed request, matching
// spec.md §6: `{error, reason}` plus the structured code/details the
// core's error taxonomy always carries.
type errorBody struct {
	Error   string                 `json:"error"`
	Reason  string                 `json:"reason,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError maps err onto its ServiceError's HTTP status and writes the
// structured body. An error that never went through the taxonomy is
// treated as an opaque internal error, never 200.
func writeError(w http.ResponseWriter, err error) {
	se := coreerrors.GetServiceError(err)
	if se == nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	body := errorBody{Error: se.Message, Code: string(se.Code), Details: se.Details}
	if reason, ok := se.Details["reason"].(string); ok {
		body.Reason = reason
	}
	writeJSON(w, se.HTTPStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
