package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/benmeehan/hybrid-tracker/internal/audit"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/provisioning"
	"github.com/benmeehan/hybrid-tracker/internal/reconciler"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return err
	}
	return nil
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidPoint),
		errors.Is(err, models.ErrInvalidGeofence),
		errors.Is(err, provisioning.ErrInvalidInstallation),
		errors.Is(err, provisioning.ErrInvalidCSR),
		errors.Is(err, provisioning.ErrInvalidCertificate),
		errors.Is(err, audit.ErrInvalidControl):
		return http.StatusBadRequest
	case errors.Is(err, provisioning.ErrCertificateMismatch),
		errors.Is(err, provisioning.ErrUnknownDevice),
		errors.Is(err, provisioning.ErrNotOperational):
		return http.StatusUnauthorized
	case errors.Is(err, provisioning.ErrInstallerVerificationRequired),
		errors.Is(err, reconciler.ErrUnknownDevice),
		errors.Is(err, reconciler.ErrNotOperational),
		errors.Is(err, reconciler.ErrDeviceMismatch):
		return http.StatusForbidden
	case errors.Is(err, reconciler.ErrNoLocation),
		errors.Is(err, reconciler.ErrNoBackup),
		errors.Is(err, reconciler.ErrUnknownVehicle),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, provisioning.ErrFirmwareRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reconciler.ErrDirectiveFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and hidden.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
