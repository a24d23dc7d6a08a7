package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateRoute inserts a route, enforcing that no other active route
// carries the same pattern.
func (s *Store) CreateRoute(ctx context.Context, r *Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.Active {
			var n int64
			if err := tx.Model(&Route{}).
				Where("pattern = ? AND active = ?", r.Pattern, true).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrPatternExists
			}
		}
		// On insert gorm replaces a false value of a column with a
		// default tag by that default; store the flags the caller gave.
		active, breaker := r.Active, r.CircuitBreakerEnabled
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		r.Active, r.CircuitBreakerEnabled = active, breaker
		return tx.Model(r).UpdateColumns(map[string]any{
			"active":                  active,
			"circuit_breaker_enabled": breaker,
		}).Error
	})
}

// GetRoute returns one route by id.
func (s *Store) GetRoute(ctx context.Context, id string) (*Route, error) {
	var r Route
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	return &r, nil
}

// ListRoutes returns routes ordered for resolution: priority
// descending, most recently updated first, pattern ascending.
func (s *Store) ListRoutes(ctx context.Context, activeOnly bool) ([]*Route, error) {
	var routes []*Route
	q := s.db.WithContext(ctx)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	err := q.Order("priority DESC").
		Order("updated_at DESC").
		Order("pattern ASC").
		Find(&routes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return routes, nil
}

// UpdateRoute applies the non-identity fields of upd to the stored
// route, re-checking the active pattern uniqueness invariant.
func (s *Store) UpdateRoute(ctx context.Context, id string, upd *Route) (*Route, error) {
	var out *Route
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Route
		if err := tx.First(&r, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		r.Pattern = upd.Pattern
		r.Methods = upd.Methods
		r.TargetService = upd.TargetService
		r.TargetBaseURL = upd.TargetBaseURL
		r.AuthRequired = upd.AuthRequired
		r.Priority = upd.Priority
		r.TimeoutMs = upd.TimeoutMs
		r.RetryCount = upd.RetryCount
		r.CircuitBreakerEnabled = upd.CircuitBreakerEnabled
		r.Active = upd.Active

		if err := r.Validate(); err != nil {
			return err
		}

		if r.Active {
			var n int64
			if err := tx.Model(&Route{}).
				Where("pattern = ? AND active = ? AND id <> ?", r.Pattern, true, r.ID).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrPatternExists
			}
		}

		if err := tx.Save(&r).Error; err != nil {
			return err
		}
		out = &r
		return nil
	})
	return out, err
}

// DeleteRoute removes a route.
func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Route{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
