package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const validatePath = "/api/v1/auth/validate"

// IdentityClient talks to the identity service's validate endpoint.
// Calls are retried with a short exponential backoff and guarded by a
// circuit breaker so a dead identity service cannot stall the data
// plane for every authenticated request.
type IdentityClient struct {
	baseURL string
	client  *http.Client
	gb      *gobreaker.TwoStepCircuitBreaker
}

// NewIdentityClient creates a client for the identity service.
func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &IdentityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
	c.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "identity-service",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("circuit breaker %v went from %v to %v", name, from.String(), to.String())
		},
	})
	return c
}

type validatePayload struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

type validateError struct {
	Code string `json:"code"`
}

// Validate asks the identity service whether the token is valid and
// returns its identity payload.
func (c *IdentityClient) Validate(ctx context.Context, token string) (*Identity, error) {
	done, err := c.gb.Allow()
	if err != nil {
		return nil, ErrUnavailable
	}

	var (
		id      *Identity
		authErr error
	)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+validatePath, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var p validatePayload
			if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
				return err
			}
			id = &Identity{UserID: p.UserID, Email: p.Email, Roles: p.Roles}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			var e struct {
				Error validateError `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&e)
			if e.Error.Code == "TOKEN_REVOKED" {
				authErr = ErrRevoked
			} else {
				authErr = ErrInvalidSignature
			}
			return nil
		default:
			return ErrUnavailable
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
	if err != nil {
		done(false)
		return nil, ErrUnavailable
	}

	done(true)
	if authErr != nil {
		return nil, authErr
	}
	return id, nil
}
