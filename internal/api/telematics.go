package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/reconciler"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

// IngestLive records one point sent over the IP channel.
func (a *API) IngestLive(w http.ResponseWriter, r *http.Request) {
	var p models.TelemetryPoint
	if err := decode(w, r, &p); err != nil {
		return
	}
	if p.DeviceID != claimsFrom(r).Subject {
		writeError(w, http.StatusForbidden, "point does not belong to the token's device")
		return
	}
	out, err := a.tracker.Ingest(r.Context(), p, constants.IngestLive, a.now())
	a.writeOutcome(w, r, out, err)
}

func (a *API) writeOutcome(w http.ResponseWriter, r *http.Request, out reconciler.Outcome, err error) {
	switch out {
	case reconciler.OutcomeAccepted:
		writeJSON(w, http.StatusAccepted, statusResponse{Status: string(out)})
	case reconciler.OutcomeDuplicate:
		writeJSON(w, http.StatusOK, statusResponse{Status: string(out)})
	case reconciler.OutcomeRejected:
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, statusResponse{Status: string(out), Error: err.Error()})
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to record point")
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: string(out), Error: "temporarily unavailable"})
	}
}

// IngestBatch records buffered points; every point must come from the token's device.
func (a *API) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	if len(req.Points) == 0 || len(req.Points) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "batch must hold between 1 and 1000 points")
		return
	}
	subject := claimsFrom(r).Subject
	for _, p := range req.Points {
		if p.DeviceID != subject {
			writeError(w, http.StatusForbidden, "batch holds points of another device")
			return
		}
	}
	writeJSON(w, http.StatusOK, a.tracker.IngestBatch(r.Context(), req.Points, a.now()))
}

func (a *API) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := decode(w, r, &hb); err != nil {
		return
	}
	if hb.DeviceID != claimsFrom(r).Subject {
		writeError(w, http.StatusForbidden, "heartbeat does not belong to the token's device")
		return
	}
	if err := a.tracker.RecordHeartbeat(r.Context(), hb, a.now()); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "ok"})
}

// SMSWebhook receives carrier callbacks: a signed form post with From and Body,
// where Body is a sealed point frame.
func (a *API) SMSWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if a.signer == nil || !a.signer.Verify(raw, r.Header.Get(signatureName)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	from := form.Get("From")

	deviceID, sealed, err := smscodec.Split(form.Get("Body"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.devices.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusForbidden, "unknown device")
			return
		}
		a.fail(w, r, err)
		return
	}
	if rec.Stage != models.StageOperational {
		writeError(w, http.StatusForbidden, "device is not provisioned")
		return
	}
	if rec.SMSAddress != "" && from != rec.SMSAddress {
		a.logger.Warn().Str("device_id", deviceID).Str("from", from).Msg("SMS from unexpected sender")
		writeError(w, http.StatusForbidden, "sender does not match the device")
		return
	}

	key, err := a.prov.SMSKey(deviceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sealer, err := encryption.NewEncryptionManagerFromKey(key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	frame, err := smscodec.Unwrap(deviceID, sealed, sealer)
	if err != nil {
		a.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to open SMS frame")
		writeError(w, http.StatusBadRequest, "undecodable frame")
		return
	}
	if frame.Point == nil {
		writeError(w, http.StatusBadRequest, "not a point frame")
		return
	}

	out, err := a.tracker.Ingest(r.Context(), frame.Point.ToPoint(rec.VehicleID, deviceID), constants.IngestSMS, a.now())
	a.writeOutcome(w, r, out, err)
}
