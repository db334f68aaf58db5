package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/registry"
	"github.com/jellydator/ttlcache/v3"
)

type deviceCtxKey struct{}

// DeviceFromContext returns the record of the device admitted by the gate.
func DeviceFromContext(ctx context.Context) (models.DeviceRecord, bool) {
	rec, ok := ctx.Value(deviceCtxKey{}).(models.DeviceRecord)
	return rec, ok
}

func isPublicPath(path string) bool {
	switch path {
	case PathRegisterDevice, PathAttestDevice, PathHealth:
		return true
	}
	return false
}

// isProtected matches path against the configured prefixes. "/" protects
// the listing page only; a prefix ending in "/" protects everything below
// it; any other prefix protects itself and its sub paths.
func (s *Service) isProtected(path string) bool {
	if isPublicPath(path) {
		return false
	}
	for _, prefix := range s.cfg.Gate.ProtectedPrefixes {
		switch {
		case prefix == "/":
			if path == "/" {
				return true
			}
		case strings.HasSuffix(prefix, "/"):
			if strings.HasPrefix(path, prefix) {
				return true
			}
		default:
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
		}
	}
	return false
}

func admissionKey(deviceID, deviceToken string) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(deviceToken))
	return hex.EncodeToString(h.Sum(nil))
}

// gateMiddleware admits a protected request only when its credential
// headers validate against the registry. Rejected requests never reach
// the routes.
//
// Admissions are cached: tokens never change, records are never deleted
// and attested never reverts, so a cached admission stays correct.
// Rejections are not cached.
func (s *Service) gateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isProtected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		deviceID := r.Header.Get(s.cfg.Gate.DeviceIDHeader)
		deviceToken := r.Header.Get(s.cfg.Gate.DeviceTokenHeader)
		if deviceID == "" || deviceToken == "" {
			s.writeError(w, &registry.Error{Kind: registry.KindUnauthenticated, Reason: registry.ReasonMissingHeaders})
			return
		}

		rec, err := s.admit(r.Context(), deviceID, deviceToken)
		if err != nil {
			s.logger.Info("Request rejected by gate",
				"device_id", deviceID,
				"path", r.URL.Path,
				"kind", registry.KindOf(err),
				"reason", registry.ReasonOf(err),
			)
			s.writeError(w, err)
			return
		}

		setRequestDevice(r.Context(), rec.DeviceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceCtxKey{}, rec)))
	})
}

func (s *Service) admit(ctx context.Context, deviceID, deviceToken string) (models.DeviceRecord, error) {
	key := admissionKey(deviceID, deviceToken)
	if s.admissions != nil {
		if item := s.admissions.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	rec, err := s.registry.Validate(ctx, deviceID, deviceToken)
	if err != nil {
		return models.DeviceRecord{}, err
	}
	rec.DeviceToken = ""

	// Relaxed deployments admit unattested devices; only attested records
	// are cached so a later attestation is seen on the next request.
	if s.admissions != nil && rec.Attested {
		s.admissions.Set(key, rec, ttlcache.DefaultTTL)
	}
	return rec, nil
}
