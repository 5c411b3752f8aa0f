// Package session wraps the credential-bearing HTTP calls of the chat
// server (authenticate, check-session, logout) behind a small client.
// Credentials are cookie-based; no tokens are held in memory beyond the
// connect handshake.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/chatkit/internal/logger"
)

// Client calls the chat server's auth endpoints. All calls share one cookie
// jar so the session cookie issued by /auth is carried on every request.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a session client for the given server base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	jar, _ := cookiejar.New(nil)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}
}

// Jar exposes the shared cookie jar so the WebSocket dialer can present the
// same session cookie on the upgrade request.
func (c *Client) Jar() http.CookieJar {
	return c.httpClient.Jar
}

// AuthRequest is the /auth request body.
type AuthRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
	Room     string `json:"room,omitempty"`
}

// AuthResult is the decoded /auth response. Success false means the server
// rejected the credentials; transport failures are returned as errors.
type AuthResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room,omitempty"`
}

// SessionInfo is the decoded /session response.
type SessionInfo struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
	Room     string `json:"room,omitempty"`
}

// Authenticate posts credentials to /auth. A non-2xx response is raised as
// an error carrying the server's message field ("Unknown error" when the
// body is unparseable); network failures propagate to the caller.
func (c *Client) Authenticate(ctx context.Context, username, token, room string) (AuthResult, error) {
	defer logger.DeferLogDuration("session.Authenticate", time.Now())()
	body, err := json.Marshal(AuthRequest{Username: username, Token: token, Room: room})
	if err != nil {
		return AuthResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return AuthResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AuthResult{}, fmt.Errorf("session.Authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AuthResult{}, fmt.Errorf("session.Authenticate: %s", errorMessage(resp))
	}
	var result AuthResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return AuthResult{}, fmt.Errorf("session.Authenticate decode: %w", err)
	}
	return result, nil
}

// CheckSession asks /session whether the cookie-bound session is still
// valid. It never returns an error: any transport or decode failure
// degrades to {Valid: false} so startup resumption falls back to
// "not logged in" instead of crashing the app.
func (c *Client) CheckSession(ctx context.Context) SessionInfo {
	defer logger.DeferLogDuration("session.CheckSession", time.Now())()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session", nil)
	if err != nil {
		return SessionInfo{}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debugf("session check failed: %v", err)
		return SessionInfo{}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SessionInfo{}
	}
	var info SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		logger.Debugf("session check decode failed: %v", err)
		return SessionInfo{}
	}
	return info
}

// Logout posts to /logout. Best-effort: callers must not block teardown on
// its failure.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logout", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session.Logout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("session.Logout: %s", errorMessage(resp))
	}
	return nil
}

// errorMessage extracts the message field from an error response body,
// falling back to "Unknown error".
func errorMessage(resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Message != "" {
		return body.Message
	}
	return "Unknown error"
}
