// Package api is the HTTP surface of the ingestion server.
package api

import (
	"context"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/auth"
	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/realtime"
	"github.com/benmeehan/hybrid-tracker/internal/reconciler"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
)

const (
	maxBodyBytes  = 1 << 20
	maxBatchSize  = 1000
	defaultLimit  = 100
	maxTimeline   = 5000
	signatureName = "X-Signature"
)

// Tracker is the reconciler surface the handlers drive.
type Tracker interface {
	Ingest(ctx context.Context, p models.TelemetryPoint, ch constants.IngestChannel, receivedAt time.Time) (reconciler.Outcome, error)
	IngestBatch(ctx context.Context, points []models.TelemetryPoint, receivedAt time.Time) models.BatchResponse
	RecordHeartbeat(ctx context.Context, hb models.Heartbeat, receivedAt time.Time) error
	Location(ctx context.Context, vehicleID string) (models.TimelineEntry, error)
	Timeline(ctx context.Context, vehicleID string, limit int) ([]models.TimelineEntry, error)
	AddGeofence(ctx context.Context, g models.Geofence) (models.Geofence, error)
	Geofences(ctx context.Context, vehicleID string) ([]models.Geofence, error)
	DeviceStates(ctx context.Context, vehicleID string) ([]models.DeviceState, error)
	IssueRecovery(ctx context.Context, vehicleID, actor string) error
	ForgetDevice(deviceID string)
}

type Provisioner interface {
	RegisterBootstrap(ctx context.Context, deviceID string, role constants.Role, bootstrapPEM []byte) (models.DeviceRecord, error)
	RecordInstallation(ctx context.Context, req models.InstallationRequest) ([]models.DeviceRecord, error)
	IssueOperational(ctx context.Context, bootstrap *x509.Certificate, req models.ProvisionRequest) (models.ProvisionResponse, error)
	IssueToken(ctx context.Context, cert *x509.Certificate, deviceID string) (models.AuthResponse, error)
	SMSKey(deviceID string) ([]byte, error)
}

type ControlLog interface {
	Record(ctx context.Context, control string, enabled bool, actor, note string) (models.ControlStatus, error)
	Current(ctx context.Context) ([]models.ControlStatus, error)
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type DeviceDirectory interface {
	GetDevice(ctx context.Context, deviceID string) (models.DeviceRecord, error)
}

type Config struct {
	Tracker     Tracker
	Provisioner Provisioner
	Controls    ControlLog
	Tokens      TokenVerifier
	Devices     DeviceDirectory
	Hub         *realtime.Hub
	// WebhookSigner authenticates carrier callbacks.
	WebhookSigner *encryption.Signer
	// RatePerSecond and RateBurst bound each device on the ingestion routes.
	RatePerSecond float64
	RateBurst     int
	// ClientCertHeader names the header in which a TLS-terminating proxy forwards
	// the verified client certificate as URL-escaped PEM. Empty disables it. The
	// proxy must verify the certificate and overwrite the header on every request.
	ClientCertHeader string
	Logger           zerolog.Logger
}

type API struct {
	tracker    Tracker
	prov       Provisioner
	controls   ControlLog
	tokens     TokenVerifier
	devices    DeviceDirectory
	hub        *realtime.Hub
	signer     *encryption.Signer
	limiter    *deviceLimiter
	certHeader string
	now        func() time.Time
	logger     zerolog.Logger
}

func New(cfg Config) *API {
	return &API{
		tracker:    cfg.Tracker,
		prov:       cfg.Provisioner,
		controls:   cfg.Controls,
		tokens:     cfg.Tokens,
		devices:    cfg.Devices,
		hub:        cfg.Hub,
		signer:     cfg.WebhookSigner,
		limiter:    newDeviceLimiter(cfg.RatePerSecond, cfg.RateBurst),
		certHeader: cfg.ClientCertHeader,
		now:        time.Now,
		logger:     cfg.Logger,
	}
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/live", a.LiveSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/telematics/sms-webhook", a.SMSWebhook)

		r.Route("/auth/device", func(r chi.Router) {
			r.Post("/provision", a.Provision)
			r.Post("/token", a.DeviceToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.Route("/telematics", func(r chi.Router) {
				r.Use(a.requireRole(constants.AccountDevice))
				r.Use(a.rateLimit)
				r.Post("/live", a.IngestLive)
				r.Post("/batch", a.IngestBatch)
				r.Post("/heartbeat", a.Heartbeat)
			})

			r.With(a.requireRole(constants.AccountFleetAdmin)).Post("/devices", a.RegisterDevice)
			r.With(a.requireRole(constants.AccountInstaller, constants.AccountFleetAdmin)).Post("/installations", a.RecordInstallation)
			r.With(a.requireRole(constants.AccountOwner, constants.AccountFleetAdmin)).Post("/geofences", a.CreateGeofence)

			r.Route("/vehicles/{id}", func(r chi.Router) {
				r.Use(a.requireRole(constants.AccountOwner, constants.AccountInstaller, constants.AccountFleetAdmin))
				r.Use(a.requireVehicle)
				r.Get("/location", a.Location)
				r.Get("/timeline", a.Timeline)
				r.Get("/geofences", a.ListGeofences)
				r.Get("/devices", a.DeviceStates)
				r.With(a.requireRole(constants.AccountOwner, constants.AccountFleetAdmin)).Post("/recovery", a.Recovery)
			})

			r.Route("/security/controls", func(r chi.Router) {
				r.Use(a.requireRole(constants.AccountFleetAdmin))
				r.Get("/", a.ListControls)
				r.Post("/{control}", a.SetControl)
			})
		})
	})
	return r
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LiveSocket authenticates with the token query parameter and hands the
// connection to the hub.
func (a *API) LiveSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r)
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if claims.Role == constants.AccountDevice {
		writeError(w, http.StatusForbidden, "device tokens cannot subscribe")
		return
	}
	a.hub.ServeWS(w, r, realtime.Access{
		Subject:  claims.Subject,
		Role:     claims.Role,
		Vehicles: claims.Vehicles,
	})
}
