// Package identity authenticates against the account service and
// tracks the signed-in user for the rest of the sync daemon.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	bilmerrors "github.com/bilmapp/bilm-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Auth responses are
	// small JSON payloads.
	maxResponseBytes = 1024 * 1024
)

// Client talks to the account service's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an auth API client for the given base URL. If
// httpClient is nil, a client with a 30-second timeout is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

func (c *Client) statusError(endpoint string, status int, body []byte) error {
	msg := http.StatusText(status)

	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		if endpoint == "/v1/auth/me" {
			return fmt.Errorf("%w: %s", bilmerrors.ErrInvalidSession, msg)
		}

		return fmt.Errorf("%w: %s", bilmerrors.ErrInvalidCredentials, msg)

	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return &TransientError{Err: fmt.Errorf("auth %s (%d): %s", endpoint, status, msg)}
	}

	return fmt.Errorf("auth %s (%d): %s", endpoint, status, msg)
}

// SignIn authenticates with email and password, returning a session
// token and the account identity.
func (c *Client) SignIn(ctx context.Context, email, password string) (string, User, error) {
	var resp signInResponse
	if err := c.post(ctx, "/v1/auth/signin", signInRequest{Email: email, Password: password}, &resp); err != nil {
		return "", User{}, fmt.Errorf("signing in: %w", err)
	}

	return resp.Token, User{UID: resp.UID, Email: resp.Email}, nil
}

// SignUp registers a new account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password string) (string, User, error) {
	var resp signInResponse
	if err := c.post(ctx, "/v1/auth/signup", signUpRequest{Email: email, Password: password}, &resp); err != nil {
		return "", User{}, fmt.Errorf("signing up: %w", err)
	}

	return resp.Token, User{UID: resp.UID, Email: resp.Email}, nil
}

// SignOut invalidates the given session token.
func (c *Client) SignOut(ctx context.Context, token string) error {
	if err := c.post(ctx, "/v1/auth/signout", signOutRequest{Token: token}, nil); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// CurrentUser validates a session token and returns its identity.
func (c *Client) CurrentUser(ctx context.Context, token string) (User, error) {
	var resp currentUserResponse
	if err := c.post(ctx, "/v1/auth/me", currentUserRequest{Token: token}, &resp); err != nil {
		return User{}, fmt.Errorf("fetching current user: %w", err)
	}

	return User{UID: resp.UID, Email: resp.Email}, nil
}
