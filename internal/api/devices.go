package api

import (
	"crypto/x509"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/provisioning"
)

type registerDeviceRequest struct {
	DeviceID      string         `json:"device_id"`
	Role          constants.Role `json:"role"`
	BootstrapCert string         `json:"bootstrap_cert_pem"`
}

type controlRequest struct {
	Enabled bool   `json:"enabled"`
	Note    string `json:"note"`
}

// clientCertificate returns the certificate presented in the TLS handshake or,
// behind a TLS-terminating proxy, the one the proxy forwarded in certHeader.
func (a *API) clientCertificate(r *http.Request) *x509.Certificate {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0]
	}
	if a.certHeader == "" {
		return nil
	}
	raw := r.Header.Get(a.certHeader)
	if raw == "" {
		return nil
	}
	// PathUnescape keeps '+' from the base64 body intact.
	pemText, err := url.PathUnescape(raw)
	if err != nil {
		return nil
	}
	cert, err := provisioning.ParseCertificatePEM([]byte(pemText))
	if err != nil {
		return nil
	}
	return cert
}

// Provision exchanges the bootstrap identity for operational credentials.
func (a *API) Provision(w http.ResponseWriter, r *http.Request) {
	var req models.ProvisionRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	cert := a.clientCertificate(r)
	if cert == nil {
		writeError(w, http.StatusUnauthorized, "bootstrap certificate required")
		return
	}
	resp, err := a.prov.IssueOperational(r.Context(), cert, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.tracker.ForgetDevice(resp.DeviceID)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) DeviceToken(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	cert := a.clientCertificate(r)
	if cert == nil {
		writeError(w, http.StatusUnauthorized, "operational certificate required")
		return
	}
	resp, err := a.prov.IssueToken(r.Context(), cert, req.DeviceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterDevice records a unit's factory certificate at manufacturing.
func (a *API) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	rec, err := a.prov.RegisterBootstrap(r.Context(), req.DeviceID, req.Role, []byte(req.BootstrapCert))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// RecordInstallation is the installer scan binding both units to a vehicle.
func (a *API) RecordInstallation(w http.ResponseWriter, r *http.Request) {
	var req models.InstallationRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	claims := claimsFrom(r)
	if claims.Role == constants.AccountInstaller {
		req.InstallerID = claims.Subject
	}
	recs, err := a.prov.RecordInstallation(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	for _, rec := range recs {
		a.tracker.ForgetDevice(rec.DeviceID)
	}
	writeJSON(w, http.StatusCreated, recs)
}

func (a *API) ListControls(w http.ResponseWriter, r *http.Request) {
	current, err := a.controls.Current(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if current == nil {
		current = []models.ControlStatus{}
	}
	writeJSON(w, http.StatusOK, current)
}

func (a *API) SetControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(w, r, &req); err != nil {
		return
	}
	entry, err := a.controls.Record(r.Context(), chi.URLParam(r, "control"), req.Enabled, claimsFrom(r).Subject, req.Note)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
