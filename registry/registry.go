package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/db/records"
)

// Policy decides what a gated request needs beyond a matching token.
type Policy string

const (
	// PolicyStrict admits only attested devices.
	PolicyStrict Policy = "strict"
	// PolicyRelaxed admits any registered device presenting its token.
	PolicyRelaxed Policy = "relaxed"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyRelaxed:
		return PolicyRelaxed, nil
	}
	return "", fmt.Errorf("unknown gate policy %q", s)
}

func (p Policy) RequiresAttestation() bool {
	return p != PolicyRelaxed
}

type Config struct {
	Logger *slog.Logger
	Store  records.Store
	Policy Policy
	// StoreTimeout bounds every record store call. Zero leaves the
	// caller's context untouched.
	StoreTimeout time.Duration
}

// Registry owns the device lifecycle. It is the only writer of device
// records: unregistered -> registered -> attested.
type Registry struct {
	logger  *slog.Logger
	store   records.Store
	policy  Policy
	timeout time.Duration
}

func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("registry requires a record store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	return &Registry{
		logger:  cfg.Logger.WithGroup("registry"),
		store:   cfg.Store,
		policy:  policy,
		timeout: cfg.StoreTimeout,
	}, nil
}

func (r *Registry) Policy() Policy {
	return r.policy
}

func (r *Registry) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Register creates a record for deviceID with attested=false.
func (r *Registry) Register(ctx context.Context, deviceID, deviceToken string) error {
	if deviceID == "" || deviceToken == "" {
		return newError(KindInvalidInput, ReasonMissingFields)
	}

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	err := r.store.InsertIfAbsent(ctx, models.DeviceRecord{
		DeviceID:    deviceID,
		DeviceToken: deviceToken,
	})
	switch {
	case err == nil:
		r.logger.Info("Device registered", "device_id", deviceID)
		return nil
	case errors.Is(err, records.ErrExists):
		r.logger.Debug("Duplicate registration rejected", "device_id", deviceID)
		return newError(KindConflict, ReasonAlreadyRegistered)
	default:
		r.logger.Error("Could not register device", "device_id", deviceID, "error", err)
		return storeError(err)
	}
}

// Attest marks the device attested when the token matches. Attesting an
// attested device with its token succeeds without writing.
func (r *Registry) Attest(ctx context.Context, deviceID, deviceToken string) error {
	if deviceID == "" || deviceToken == "" {
		return newError(KindInvalidInput, ReasonMissingFields)
	}

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	rec, err := r.matchRecord(ctx, deviceID, deviceToken)
	if err != nil {
		return err
	}
	if rec.Attested {
		return nil
	}

	if err := r.store.MarkAttested(ctx, deviceID); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return newError(KindForbidden, ReasonNotRegistered)
		}
		r.logger.Error("Could not mark device attested", "device_id", deviceID, "error", err)
		return storeError(err)
	}
	r.logger.Info("Device attested", "device_id", deviceID)
	return nil
}

// Validate checks credentials presented on a gated request against the
// registry policy. It never writes.
func (r *Registry) Validate(ctx context.Context, deviceID, deviceToken string) (models.DeviceRecord, error) {
	if deviceID == "" || deviceToken == "" {
		return models.DeviceRecord{}, newError(KindUnauthenticated, ReasonMissingHeaders)
	}

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	rec, err := r.matchRecord(ctx, deviceID, deviceToken)
	if err != nil {
		return models.DeviceRecord{}, err
	}
	if r.policy.RequiresAttestation() && !rec.Attested {
		return models.DeviceRecord{}, newError(KindForbidden, ReasonNotAttested)
	}
	return rec, nil
}

// Lookup reports the lifecycle state of deviceID. An unknown id is
// DeviceStateUnregistered, not an error.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (models.DeviceState, error) {
	if deviceID == "" {
		return "", newError(KindInvalidInput, "deviceId is required")
	}

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	rec, err := r.store.Get(ctx, deviceID)
	if errors.Is(err, records.ErrNotFound) {
		return models.DeviceStateUnregistered, nil
	}
	if err != nil {
		return "", storeError(err)
	}
	return rec.State(), nil
}

func (r *Registry) matchRecord(ctx context.Context, deviceID, deviceToken string) (models.DeviceRecord, error) {
	rec, err := r.store.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return models.DeviceRecord{}, newError(KindForbidden, ReasonNotRegistered)
		}
		r.logger.Error("Could not read device record", "device_id", deviceID, "error", err)
		return models.DeviceRecord{}, storeError(err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.DeviceToken), []byte(deviceToken)) != 1 {
		return models.DeviceRecord{}, newError(KindForbidden, ReasonInvalidToken)
	}
	return rec, nil
}
