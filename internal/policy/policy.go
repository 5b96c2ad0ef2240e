// Package policy turns the admin_settings key/value rows into a typed Policy
// and caches it with explicit invalidation.
package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"osis/attendance/internal/network"
)

const (
	KeyRequireFaceAnchor    = "require_face_anchor"
	KeyRequireDeviceBinding = "require_device_binding"
	KeyMaxAccuracyMeters    = "max_location_accuracy_meters"
	KeyMinimumNetworkTrust  = "minimum_network_trust"
)

type Policy struct {
	RequireFaceAnchor    bool          `json:"requireFaceAnchor"`
	RequireDeviceBinding bool          `json:"requireDeviceBinding"`
	MaxAccuracyMeters    float64       `json:"maxAccuracyMeters"`
	MinimumNetworkTrust  network.Trust `json:"minimumNetworkTrust"`
}

func Default() Policy {
	return Policy{
		RequireFaceAnchor:    true,
		RequireDeviceBinding: true,
		MaxAccuracyMeters:    100,
		MinimumNetworkTrust:  network.TrustMedium,
	}
}

// FromSettings overlays the known keys on Default. Unknown keys are ignored;
// malformed values are an error.
func FromSettings(settings map[string]string) (Policy, error) {
	p := Default()
	for key, raw := range settings {
		value := strings.TrimSpace(raw)
		switch key {
		case KeyRequireFaceAnchor:
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return Policy{}, fmt.Errorf("policy %s: %w", key, err)
			}
			p.RequireFaceAnchor = parsed
		case KeyRequireDeviceBinding:
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return Policy{}, fmt.Errorf("policy %s: %w", key, err)
			}
			p.RequireDeviceBinding = parsed
		case KeyMaxAccuracyMeters:
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil || parsed < 0 {
				return Policy{}, fmt.Errorf("policy %s: invalid value %q", key, raw)
			}
			p.MaxAccuracyMeters = parsed
		case KeyMinimumNetworkTrust:
			trust, ok := network.ParseTrust(value)
			if !ok {
				return Policy{}, fmt.Errorf("policy %s: invalid value %q", key, raw)
			}
			p.MinimumNetworkTrust = trust
		}
	}
	return p, nil
}

func (p Policy) Settings() map[string]string {
	return map[string]string{
		KeyRequireFaceAnchor:    strconv.FormatBool(p.RequireFaceAnchor),
		KeyRequireDeviceBinding: strconv.FormatBool(p.RequireDeviceBinding),
		KeyMaxAccuracyMeters:    strconv.FormatFloat(p.MaxAccuracyMeters, 'f', -1, 64),
		KeyMinimumNetworkTrust:  string(p.MinimumNetworkTrust),
	}
}

// Source reads the raw settings rows.
type Source interface {
	ListSettings(ctx context.Context) (map[string]string, error)
}

type Cache interface {
	Get(ctx context.Context) (Policy, bool, error)
	Set(ctx context.Context, p Policy) error
	Invalidate(ctx context.Context) error
}

type Loader struct {
	source Source
	cache  Cache
	logger *zap.Logger
}

func NewLoader(source Source, cache Cache, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{source: source, cache: cache, logger: logger}
}

// Load returns the current policy. Cache failures degrade to a store read.
func (l *Loader) Load(ctx context.Context) (Policy, error) {
	if l.cache != nil {
		cached, ok, err := l.cache.Get(ctx)
		if err != nil {
			l.logger.Warn("policy cache read failed", zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}
	settings, err := l.source.ListSettings(ctx)
	if err != nil {
		return Policy{}, fmt.Errorf("load settings: %w", err)
	}
	p, err := FromSettings(settings)
	if err != nil {
		return Policy{}, err
	}
	if l.cache != nil {
		if err := l.cache.Set(ctx, p); err != nil {
			l.logger.Warn("policy cache write failed", zap.Error(err))
		}
	}
	return p, nil
}

func (l *Loader) Invalidate(ctx context.Context) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx); err != nil {
		l.logger.Warn("policy cache invalidate failed", zap.Error(err))
	}
}
