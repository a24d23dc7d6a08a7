package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StringList stores a list of strings as a comma separated column so
// the same schema works on postgres and sqlite.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	return strings.Join(l, ","), nil
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
	case string:
		if v == "" {
			*l = nil
		} else {
			*l = strings.Split(v, ",")
		}
	case []byte:
		return l.Scan(string(v))
	default:
		return errors.New("unsupported type for StringList")
	}
	return nil
}

// Route is a durable routing table row.
type Route struct {
	ID                    string     `gorm:"primaryKey;column:id" json:"id"`
	Pattern               string     `gorm:"column:pattern;not null;index" json:"pattern"`
	Methods               StringList `gorm:"column:methods;type:text;not null" json:"methods"`
	TargetService         string     `gorm:"column:target_service;not null" json:"target_service"`
	TargetBaseURL         string     `gorm:"column:target_base_url;not null" json:"target_base_url"`
	AuthRequired          bool       `gorm:"column:auth_required;default:false" json:"auth_required"`
	Priority              int        `gorm:"column:priority;default:0;index" json:"priority"`
	TimeoutMs             int        `gorm:"column:timeout_ms;default:0" json:"timeout_ms"`
	RetryCount            int        `gorm:"column:retry_count;default:0" json:"retry_count"`
	CircuitBreakerEnabled bool       `gorm:"column:circuit_breaker_enabled;default:true" json:"circuit_breaker_enabled"`
	Active                bool       `gorm:"column:active;default:true;index" json:"active"`
	CreatedAt             time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Route) TableName() string { return "routes" }

// Rate limit scopes.
const (
	ScopePerUser     = "per_user"
	ScopePerIP       = "per_ip"
	ScopePerEndpoint = "per_endpoint"
	ScopeGlobal      = "global"
)

// ValidScope reports whether s is one of the defined scopes.
func ValidScope(s string) bool {
	switch s {
	case ScopePerUser, ScopePerIP, ScopePerEndpoint, ScopeGlobal:
		return true
	}
	return false
}

// RateLimitRule is a durable rate limit policy row.
type RateLimitRule struct {
	ID            string    `gorm:"primaryKey;column:id" json:"id"`
	Name          string    `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Scope         string    `gorm:"column:scope;not null;index" json:"scope"`
	Pattern       *string   `gorm:"column:pattern" json:"pattern"`
	MaxRequests   int       `gorm:"column:max_requests;not null" json:"max_requests"`
	WindowSeconds int       `gorm:"column:window_seconds;not null" json:"window_seconds"`
	Active        bool      `gorm:"column:active;default:true;index" json:"active"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (RateLimitRule) TableName() string { return "rate_limit_rules" }

// Service health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// ServiceHealth is the durable health record of one upstream service.
type ServiceHealth struct {
	ID             string     `gorm:"primaryKey;column:id" json:"id"`
	ServiceName    string     `gorm:"column:service_name;not null;uniqueIndex" json:"service_name"`
	BaseURL        string     `gorm:"column:base_url;not null" json:"base_url"`
	Status         string     `gorm:"column:status;not null;default:unknown;index" json:"status"`
	LastCheckAt    *time.Time `gorm:"column:last_check_at" json:"last_check_at"`
	ResponseTimeMs *float64   `gorm:"column:response_time_ms" json:"response_time_ms"`
	SuccessCount   int64      `gorm:"column:success_count;default:0" json:"success_count"`
	ErrorCount     int64      `gorm:"column:error_count;default:0" json:"error_count"`
	CircuitOpen    bool       `gorm:"column:circuit_open;default:false;index" json:"circuit_open"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (ServiceHealth) TableName() string { return "service_health" }

// RequestLog is one append-only per-request record.
type RequestLog struct {
	ID             string    `gorm:"primaryKey;column:id" json:"id"`
	RequestID      string    `gorm:"column:request_id;not null;index" json:"request_id"`
	Method         string    `gorm:"column:method;not null" json:"method"`
	Path           string    `gorm:"column:path;not null;index" json:"path"`
	MatchedRouteID *string   `gorm:"column:matched_route_id" json:"matched_route_id"`
	TargetService  *string   `gorm:"column:target_service;index" json:"target_service"`
	UserID         *string   `gorm:"column:user_id;index" json:"user_id"`
	ClientIP       string    `gorm:"column:client_ip;index" json:"client_ip"`
	StatusCode     *int      `gorm:"column:status_code;index" json:"status_code"`
	ResponseTimeMs float64   `gorm:"column:response_time_ms" json:"response_time_ms"`
	ErrorMessage   *string   `gorm:"column:error_message;type:text" json:"error_message"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
}

func (RequestLog) TableName() string { return "request_logs" }

// schemaMigration mirrors the table written by the external migration
// tool; the gateway only ever reads it.
type schemaMigration struct {
	Version   int       `gorm:"primaryKey;column:version"`
	AppliedAt time.Time `gorm:"column:applied_at;autoCreateTime"`
}

func (schemaMigration) TableName() string { return "schema_migrations" }

func (r *Route) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if r.TargetService == "" {
		return fmt.Errorf("target_service is required")
	}
	if r.TargetBaseURL == "" {
		return fmt.Errorf("target_base_url is required")
	}
	if strings.HasSuffix(r.TargetBaseURL, "/") {
		return fmt.Errorf("target_base_url must not end with '/'")
	}
	if len(r.Methods) == 0 {
		return fmt.Errorf("methods must not be empty")
	}
	for _, m := range r.Methods {
		if m != "*" && m != strings.ToUpper(m) {
			return fmt.Errorf("method %q must be uppercase", m)
		}
	}
	return nil
}

func (r *RateLimitRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !ValidScope(r.Scope) {
		return fmt.Errorf("invalid scope %q", r.Scope)
	}
	if r.MaxRequests < 1 {
		return fmt.Errorf("max_requests must be >= 1")
	}
	if r.WindowSeconds < 1 {
		return fmt.Errorf("window_seconds must be >= 1")
	}
	return nil
}
