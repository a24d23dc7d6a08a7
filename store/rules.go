package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateRule inserts a rate limit rule. Rule names are unique.
func (s *Store) CreateRule(ctx context.Context, r *RateLimitRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&RateLimitRule{}).Where("name = ?", r.Name).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrNameExists
		}
		// On insert gorm replaces a false value of a column with a
		// default tag by that default; store the flag the caller gave.
		active := r.Active
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		r.Active = active
		return tx.Model(r).UpdateColumn("active", active).Error
	})
}

// GetRule returns one rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*RateLimitRule, error) {
	var r RateLimitRule
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

// ListRules returns all rules, optionally only the active ones.
func (s *Store) ListRules(ctx context.Context, activeOnly bool) ([]*RateLimitRule, error) {
	var rules []*RateLimitRule
	q := s.db.WithContext(ctx)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Order("name ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// UpdateRule applies upd to the stored rule.
func (s *Store) UpdateRule(ctx context.Context, id string, upd *RateLimitRule) (*RateLimitRule, error) {
	var out *RateLimitRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r RateLimitRule
		if err := tx.First(&r, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		r.Name = upd.Name
		r.Scope = upd.Scope
		r.Pattern = upd.Pattern
		r.MaxRequests = upd.MaxRequests
		r.WindowSeconds = upd.WindowSeconds
		r.Active = upd.Active

		if err := r.Validate(); err != nil {
			return err
		}

		var n int64
		if err := tx.Model(&RateLimitRule{}).
			Where("name = ? AND id <> ?", r.Name, r.ID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrNameExists
		}

		if err := tx.Save(&r).Error; err != nil {
			return err
		}
		out = &r
		return nil
	})
	return out, err
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&RateLimitRule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
