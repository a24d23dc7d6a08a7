package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RegisterService creates a health record for a service. Records are
// never deleted, only reset.
func (s *Store) RegisterService(ctx context.Context, name, baseURL string) (*ServiceHealth, error) {
	if name == "" {
		return nil, fmt.Errorf("service_name is required")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}

	rec := &ServiceHealth{
		ID:          uuid.NewString(),
		ServiceName: name,
		BaseURL:     baseURL,
		Status:      StatusUnknown,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&ServiceHealth{}).Where("service_name = ?", name).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrServiceExists
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EnsureService registers a service if it is not known yet. Used when
// a service is first observed in the routing table.
func (s *Store) EnsureService(ctx context.Context, name, baseURL string) error {
	_, err := s.RegisterService(ctx, name, baseURL)
	if errors.Is(err, ErrServiceExists) {
		return nil
	}
	return err
}

// GetService returns the health record of one service.
func (s *Store) GetService(ctx context.Context, name string) (*ServiceHealth, error) {
	var rec ServiceHealth
	err := s.db.WithContext(ctx).First(&rec, "service_name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return &rec, nil
}

// ListServices returns all health records.
func (s *Store) ListServices(ctx context.Context) ([]*ServiceHealth, error) {
	var recs []*ServiceHealth
	if err := s.db.WithContext(ctx).Order("service_name ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return recs, nil
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	Status         string
	ResponseTimeMs float64
	Success        bool
	CircuitOpen    bool
	CheckedAt      time.Time
}

// RecordProbe commits a probe outcome to the service record.
func (s *Store) RecordProbe(ctx context.Context, name string, pr ProbeResult) error {
	updates := map[string]any{
		"status":           pr.Status,
		"last_check_at":    pr.CheckedAt,
		"response_time_ms": pr.ResponseTimeMs,
		"circuit_open":     pr.CircuitOpen,
		"updated_at":       time.Now(),
	}
	if pr.Success {
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else {
		updates["error_count"] = gorm.Expr("error_count + 1")
	}

	res := s.db.WithContext(ctx).Model(&ServiceHealth{}).
		Where("service_name = ?", name).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetService zeroes the counters and status of a service record,
// typically together with an administrative breaker reset.
func (s *Store) ResetService(ctx context.Context, name string) (*ServiceHealth, error) {
	res := s.db.WithContext(ctx).Model(&ServiceHealth{}).
		Where("service_name = ?", name).
		Updates(map[string]any{
			"status":        StatusUnknown,
			"success_count": 0,
			"error_count":   0,
			"circuit_open":  false,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetService(ctx, name)
}
