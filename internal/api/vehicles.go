package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/benmeehan/hybrid-tracker/internal/models"
)

type timelineResponse struct {
	VehicleID string                 `json:"vehicle_id"`
	Entries   []models.TimelineEntry `json:"entries"`
}

func (a *API) Location(w http.ResponseWriter, r *http.Request) {
	e, err := a.tracker.Location(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.LocationUpdateOf(e))
}

// Timeline returns the newest entries of the timeline in order; ?limit= caps
// the count.
func (a *API) Timeline(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTimeline)
	}
	vehicleID := chi.URLParam(r, "id")
	entries, err := a.tracker.Timeline(r.Context(), vehicleID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.TimelineEntry{}
	}
	writeJSON(w, http.StatusOK, timelineResponse{VehicleID: vehicleID, Entries: entries})
}

func (a *API) CreateGeofence(w http.ResponseWriter, r *http.Request) {
	var g models.Geofence
	if err := decode(w, r, &g); err != nil {
		return
	}
	claims := claimsFrom(r)
	if !claims.CanAccess(g.VehicleID) {
		writeError(w, http.StatusForbidden, "vehicle not permitted")
		return
	}
	g.OwnerID = claims.Subject
	created, err := a.tracker.AddGeofence(r.Context(), g)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) ListGeofences(w http.ResponseWriter, r *http.Request) {
	fences, err := a.tracker.Geofences(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if fences == nil {
		fences = []models.Geofence{}
	}
	writeJSON(w, http.StatusOK, fences)
}

// DeviceStates reports the server's view of each unit: mode, connectivity and
// last contact.
func (a *API) DeviceStates(w http.ResponseWriter, r *http.Request) {
	states, err := a.tracker.DeviceStates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	now := a.now()
	out := make([]models.DeviceStatus, 0, len(states))
	for _, st := range states {
		out = append(out, models.StatusOf(st, now))
	}
	writeJSON(w, http.StatusOK, out)
}

// Recovery sends the authenticated directive returning the backup unit to sleep.
func (a *API) Recovery(w http.ResponseWriter, r *http.Request) {
	if err := a.tracker.IssueRecovery(r.Context(), chi.URLParam(r, "id"), claimsFrom(r).Subject); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "sent"})
}
