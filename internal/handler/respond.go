package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiwari-pos/terminal/internal/enum"
	"github.com/kiwari-pos/terminal/internal/orders"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMutationError maps the store's failure taxonomy onto HTTP statuses.
// Connectivity failures return 202: the optimistic change is in place and
// will sync later, which the UI shows as "pending sync" rather than an
// error.
func writeMutationError(w http.ResponseWriter, err error) {
	var me *orders.MutationError
	if !errors.As(err, &me) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := map[string]any{
		"error":       me.Err.Error(),
		"reason":      me.Reason,
		"rolled_back": me.RolledBack,
		"conflicted":  me.Conflicted,
	}

	switch me.Reason {
	case enum.FailureValidation:
		writeJSON(w, http.StatusBadRequest, body)
	case enum.FailureNotFound:
		writeJSON(w, http.StatusNotFound, body)
	case enum.FailureVersionConflict:
		writeJSON(w, http.StatusConflict, body)
	case enum.FailureBusinessRule:
		writeJSON(w, http.StatusUnprocessableEntity, body)
	case enum.FailureConnectivity:
		writeJSON(w, http.StatusAccepted, body)
	default:
		writeJSON(w, http.StatusInternalServerError, body)
	}
}
