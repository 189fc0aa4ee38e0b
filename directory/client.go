package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/internal/httpjson"
)

// Client talks to a directory Server. It implements core.DurablePusher.
type Client struct {
	baseURL    string
	signer     *Signer
	httpClient *http.Client
}

var _ core.DurablePusher = (*Client)(nil)

func NewClient(baseURL string, signer *Signer, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: httpClient,
	}
}

// StatusError is returned for responses the client has no sentinel for.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory responded %d: %s %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) Signup(ctx context.Context, req SignupRequest) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodPost, "/api/signup", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate returns ErrInvalidCredentials for unknown users and wrong
// passwords alike.
func (c *Client) Authenticate(ctx context.Context, userID, password string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodPost, "/api/login", LoginRequest{UserID: userID, Password: password}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(userID), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/user/"+url.PathEscape(userID), nil, nil)
}

func (c *Client) ActiveUsers(ctx context.Context, within time.Duration) ([]User, error) {
	minutes := int(within / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	var users []User
	path := "/api/active-users?" + activeWithinParam + "=" + strconv.Itoa(minutes)
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) HighUsageUsers(ctx context.Context, minTotal int64) ([]User, error) {
	var users []User
	path := "/api/high-usage?" + highUsageMinParam + "=" + strconv.FormatInt(minTotal, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Push merges a live usage record into the directory. A deleted user is
// reported as core.ErrDurableRecordGone.
func (c *Client) Push(ctx context.Context, rec core.Record) error {
	err := c.do(ctx, http.MethodPost, "/api/sync-activity", SyncFromRecord(rec), nil)
	if errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("%w: %w", core.ErrDurableRecordGone, err)
	}
	return err
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		req.Header.Set(SignatureHeader, c.signer.Sign(method, req.URL.RequestURI(), body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var apiErr httpjson.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_ = json.Unmarshal(raw, &apiErr)

	switch {
	case resp.StatusCode == http.StatusNotFound && apiErr.Error == "user_not_found":
		return ErrUserNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrUserExists
	case resp.StatusCode == http.StatusUnauthorized && apiErr.Error == "invalid_credentials":
		return ErrInvalidCredentials
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrBadSignature
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, apiErr.Message)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w", ErrUnavailable, &StatusError{StatusCode: resp.StatusCode, Code: apiErr.Error, Message: apiErr.Message})
	}
	return &StatusError{StatusCode: resp.StatusCode, Code: apiErr.Error, Message: apiErr.Message}
}
