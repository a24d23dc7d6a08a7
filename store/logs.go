package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogFilter narrows a request log query. Zero values mean "any".
type LogFilter struct {
	Method            string
	PathContains      string
	TargetService     string
	UserID            string
	StatusCode        int
	Since             time.Time
	Until             time.Time
	MinResponseTimeMs float64
	MaxResponseTimeMs float64
	Limit             int
	Offset            int
}

// InsertLogs appends a batch of request log records.
func (s *Store) InsertLogs(ctx context.Context, recs []*RequestLog) error {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(recs, 200).Error
}

// QueryLogs returns log records matching the filter, newest first.
func (s *Store) QueryLogs(ctx context.Context, f LogFilter) ([]*RequestLog, error) {
	q := s.db.WithContext(ctx).Model(&RequestLog{})

	if f.Method != "" {
		q = q.Where("method = ?", f.Method)
	}
	if f.PathContains != "" {
		q = q.Where("path LIKE ?", "%"+f.PathContains+"%")
	}
	if f.TargetService != "" {
		q = q.Where("target_service = ?", f.TargetService)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.StatusCode != 0 {
		q = q.Where("status_code = ?", f.StatusCode)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at <= ?", f.Until)
	}
	if f.MinResponseTimeMs > 0 {
		q = q.Where("response_time_ms >= ?", f.MinResponseTimeMs)
	}
	if f.MaxResponseTimeMs > 0 {
		q = q.Where("response_time_ms <= ?", f.MaxResponseTimeMs)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var recs []*RequestLog
	err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	return recs, nil
}

// ErrorLogs returns the latest records carrying an error message.
func (s *Store) ErrorLogs(ctx context.Context, limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*RequestLog
	err := s.db.WithContext(ctx).
		Where("error_message IS NOT NULL").
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query error logs: %w", err)
	}
	return recs, nil
}

// StatusClassCounts holds request counts per status class in a window.
type StatusClassCounts struct {
	Total         int64
	Informational int64
	Success       int64
	Redirect      int64
	ClientErr     int64
	ServerErr     int64
	NoResponse    int64
}

// CountByStatusClass aggregates request counts since the given time.
func (s *Store) CountByStatusClass(ctx context.Context, since time.Time) (StatusClassCounts, error) {
	type row struct {
		Class int64
		N     int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&RequestLog{}).
		Select("COALESCE(status_code / 100, 0) AS class, COUNT(*) AS n").
		Where("created_at >= ?", since).
		Group("COALESCE(status_code / 100, 0)").
		Scan(&rows).Error
	if err != nil {
		return StatusClassCounts{}, fmt.Errorf("failed to count logs: %w", err)
	}

	var c StatusClassCounts
	for _, r := range rows {
		c.Total += r.N
		switch r.Class {
		case 1:
			c.Informational += r.N
		case 2:
			c.Success += r.N
		case 3:
			c.Redirect += r.N
		case 4:
			c.ClientErr += r.N
		case 5:
			c.ServerErr += r.N
		default:
			c.NoResponse += r.N
		}
	}
	return c, nil
}

// ResponseTimes returns up to limit response time samples observed
// since the given time, newest first. Percentiles are computed over
// this bounded window by the caller.
func (s *Store) ResponseTimes(ctx context.Context, since time.Time, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 10000
	}
	var samples []float64
	err := s.db.WithContext(ctx).Model(&RequestLog{}).
		Where("created_at >= ? AND status_code IS NOT NULL", since).
		Order("created_at DESC").
		Limit(limit).
		Pluck("response_time_ms", &samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load response times: %w", err)
	}
	return samples, nil
}

// EndpointCount is one row of the top endpoint aggregate.
type EndpointCount struct {
	Path    string  `json:"path"`
	Count   int64   `json:"count"`
	AvgMs   float64 `json:"avg_response_time_ms"`
	MinMs   float64 `json:"min_response_time_ms"`
	MaxMs   float64 `json:"max_response_time_ms"`
}

// TopEndpoints returns the n busiest paths since the given time.
func (s *Store) TopEndpoints(ctx context.Context, since time.Time, n int) ([]EndpointCount, error) {
	if n <= 0 {
		n = 10
	}
	var rows []EndpointCount
	err := s.db.WithContext(ctx).Model(&RequestLog{}).
		Select("path, COUNT(*) AS count, AVG(response_time_ms) AS avg_ms, MIN(response_time_ms) AS min_ms, MAX(response_time_ms) AS max_ms").
		Where("created_at >= ?", since).
		Group("path").
		Order("count DESC").
		Limit(n).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate endpoints: %w", err)
	}
	return rows, nil
}

// ServiceCount is one row of the per-service aggregate.
type ServiceCount struct {
	TargetService string  `json:"target_service"`
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	AvgMs         float64 `json:"avg_response_time_ms"`
}

// ServiceStats aggregates request and error counts by target service
// since the given time. Unrouted requests are excluded.
func (s *Store) ServiceStats(ctx context.Context, since time.Time) ([]ServiceCount, error) {
	var rows []ServiceCount
	err := s.db.WithContext(ctx).Model(&RequestLog{}).
		Select("target_service, COUNT(*) AS count, " +
			"SUM(CASE WHEN status_code >= 500 OR status_code IS NULL THEN 1 ELSE 0 END) AS errors, " +
			"AVG(response_time_ms) AS avg_ms").
		Where("created_at >= ? AND target_service IS NOT NULL", since).
		Group("target_service").
		Order("count DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate services: %w", err)
	}
	return rows, nil
}

// PurgeLogsBefore deletes log records older than the horizon. This is
// the hook for the out-of-band retention sweeper.
func (s *Store) PurgeLogsBefore(ctx context.Context, horizon time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", horizon).Delete(&RequestLog{})
	return res.RowsAffected, res.Error
}
