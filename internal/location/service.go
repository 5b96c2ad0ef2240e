// Package location manages the school's geofence configuration. At most one
// configuration is active at any time.
package location

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/db"
	"osis/attendance/internal/geo"
	"osis/attendance/internal/ids"
	"osis/attendance/internal/model"
)

var (
	ErrInvalidLocation = errors.New("invalid location")
	ErrNoActive        = errors.New("no active location")
)

type Input struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	RadiusMeters     float64  `json:"radiusMeters"`
	AllowedWifiSSIDs []string `json:"allowedWifiSsids"`
}

type Service struct {
	store    db.Store
	recorder *audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store db.Store, recorder *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, recorder: recorder, logger: logger, now: time.Now}
}

func (in Input) validate() error {
	if !geo.ValidCoordinate(in.Latitude, in.Longitude) {
		return fmt.Errorf("%w: coordinates", ErrInvalidLocation)
	}
	if !geo.ValidRadius(in.RadiusMeters) {
		return fmt.Errorf("%w: radius", ErrInvalidLocation)
	}
	return nil
}

func normalizeSSIDs(in []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, ssid := range in {
		ssid = strings.TrimSpace(ssid)
		key := strings.ToLower(ssid)
		if ssid == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ssid)
	}
	return out
}

// Activate deactivates every existing configuration and inserts in as the
// active one, in a single transaction.
func (s *Service) Activate(ctx context.Context, adminID string, in Input) (model.Location, error) {
	if err := in.validate(); err != nil {
		return model.Location{}, err
	}
	loc := model.Location{
		ID:               ids.UUID(),
		Latitude:         in.Latitude,
		Longitude:        in.Longitude,
		RadiusMeters:     in.RadiusMeters,
		AllowedWifiSSIDs: normalizeSSIDs(in.AllowedWifiSSIDs),
		IsActive:         true,
		CreatedAt:        s.now().UTC(),
		CreatedBy:        adminID,
	}
	err := s.store.WithTx(ctx, func(q db.Queries) error {
		if err := q.LockLocations(ctx); err != nil {
			return fmt.Errorf("lock locations: %w", err)
		}
		if err := q.DeactivateLocations(ctx); err != nil {
			return fmt.Errorf("deactivate locations: %w", err)
		}
		if err := q.InsertLocation(ctx, loc); err != nil {
			return fmt.Errorf("insert location: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Location{}, err
	}
	s.logger.Info("school location activated",
		zap.String("location_id", loc.ID),
		zap.String("admin_id", adminID),
		zap.Float64("radius_meters", loc.RadiusMeters),
	)
	s.recorder.Record(ctx, model.SecurityEvent{
		Type:   model.EventLocationActivated,
		UserID: adminID,
		Details: map[string]any{
			"locationId":       loc.ID,
			"latitude":         loc.Latitude,
			"longitude":        loc.Longitude,
			"radiusMeters":     loc.RadiusMeters,
			"allowedWifiSsids": loc.AllowedWifiSSIDs,
		},
	})
	return loc, nil
}

// Active returns the active configuration or ErrNoActive.
func (s *Service) Active(ctx context.Context) (model.Location, error) {
	loc, err := s.store.GetActiveLocation(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return model.Location{}, ErrNoActive
	}
	if err != nil {
		return model.Location{}, fmt.Errorf("get active location: %w", err)
	}
	return loc, nil
}
