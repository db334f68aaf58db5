package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/edgegate/config"
	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/objects"
	"github.com/InsulaLabs/edgegate/registry"
	"github.com/jellydator/ttlcache/v3"
)

const (
	PathRegisterDevice = "/register-device"
	PathAttestDevice   = "/attest-device"
	PathFiles          = "/api/files"
	PathDevice         = "/api/device"
	PathUploadFiles    = "/upload-files"
	PathHealth         = "/healthz"
	PathIndex          = "/"

	// Multipart field names accepted by the upload endpoint.
	UploadField       = "files"
	LegacyUploadField = "uploaded-files"

	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Logger      *slog.Logger
	HttpBinding string
	TLS         config.TLS
	Gate        config.Gate
	// UploadMaxMemory is the multipart memory budget per request.
	UploadMaxMemory int64
}

// Service is the HTTP surface: the auth gate in front of the device and
// file routes.
type Service struct {
	logger   *slog.Logger
	cfg      Config
	registry *registry.Registry
	gateway  *objects.Gateway
	mux      *http.ServeMux
	handler  http.Handler

	// successful admissions only; see gate.go
	admissions *ttlcache.Cache[string, models.DeviceRecord]

	startedAt time.Time
}

func New(cfg Config, reg *registry.Registry, gw *objects.Gateway) (*Service, error) {
	if reg == nil || gw == nil {
		return nil, errors.New("service requires a registry and an object gateway")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gate.DeviceIDHeader == "" {
		cfg.Gate.DeviceIDHeader = config.DefaultDeviceIDHeader
	}
	if cfg.Gate.DeviceTokenHeader == "" {
		cfg.Gate.DeviceTokenHeader = config.DefaultDeviceTokenHeader
	}
	if cfg.Gate.ProtectedPrefixes == nil {
		cfg.Gate.ProtectedPrefixes = config.DefaultProtectedPrefixes()
	}
	if cfg.UploadMaxMemory <= 0 {
		cfg.UploadMaxMemory = config.DefaultUploadMaxMemory
	}

	s := &Service{
		logger:    cfg.Logger.WithGroup("service"),
		cfg:       cfg,
		registry:  reg,
		gateway:   gw,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}

	if cfg.Gate.CacheTTL > 0 {
		s.admissions = ttlcache.New[string, models.DeviceRecord](
			ttlcache.WithTTL[string, models.DeviceRecord](cfg.Gate.CacheTTL),

			// Disable touch on hit so an admission is re-checked against
			// the store once its ttl runs out
			ttlcache.WithDisableTouchOnHit[string, models.DeviceRecord](),
		)
		go s.admissions.Start()
	}

	s.routes()
	s.handler = s.accessLogMiddleware(s.gateMiddleware(s.mux))

	s.logger.Info("Service configured",
		"policy", reg.Policy(),
		"protected_prefixes", cfg.Gate.ProtectedPrefixes,
		"admission_cache_ttl", cfg.Gate.CacheTTL,
	)
	return s, nil
}

func (s *Service) routes() {
	// authenticated by payload, never gated
	s.mux.HandleFunc("POST "+PathRegisterDevice, s.registerDeviceHandler)
	s.mux.HandleFunc("POST "+PathAttestDevice, s.attestDeviceHandler)
	s.mux.HandleFunc("GET "+PathHealth, s.healthHandler)

	s.mux.HandleFunc("GET "+PathFiles, s.listFilesHandler)
	s.mux.HandleFunc("GET "+PathDevice, s.deviceHandler)
	s.mux.HandleFunc("POST "+PathUploadFiles, s.uploadFilesHandler)
	s.mux.HandleFunc("GET "+objects.FilesPath+"{name}", s.fileHandler)
	s.mux.HandleFunc("GET /{$}", s.indexHandler)
}

// Handler returns the complete request chain: access log, gate, routes.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Service) Run(ctx context.Context) error {
	tlsEnabled := s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != ""
	s.logger.Info("Attempting to start server", "listen_addr", s.cfg.HttpBinding, "tls_enabled", tlsEnabled)

	srv := &http.Server{
		Addr:              s.cfg.HttpBinding,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	s.startedAt = time.Now()

	var err error
	if tlsEnabled {
		s.logger.Info("Starting HTTPS server", "cert", s.cfg.TLS.Cert, "key", s.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		err = srv.ListenAndServe()
	}

	s.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// Close stops the admission cache janitor. Safe to call more than once.
func (s *Service) Close() {
	if s.admissions != nil {
		s.admissions.Stop()
	}
}
