// Package authclient is the portal's session store. It talks to the auth
// service and keeps the current session in a local file.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cabohealth/pkg/domain"
)

// ErrNotSignedIn is returned when an operation needs a session and there is none.
var ErrNotSignedIn = errors.New("not signed in")

// EventType names an auth state change.
type EventType string

const (
	SignedIn       EventType = "SIGNED_IN"
	SignedOut      EventType = "SIGNED_OUT"
	TokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Event carries the user after the change; User is empty on sign-out.
type Event struct {
	Type EventType
	User domain.User
}

// APIError represents an auth service error response. Message is the
// server's text, unchanged.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Session is what gets persisted between runs.
type Session struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	User         domain.User `json:"user"`
}

// Client calls the auth service over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	sessionFile string

	mu        sync.Mutex
	session   *Session
	listeners map[int]func(Event)
	nextID    int
}

// NewClient constructs a client and loads any session saved in sessionFile.
// An empty sessionFile keeps the session in memory only.
func NewClient(baseURL, sessionFile string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient:  &http.Client{Timeout: timeout},
		sessionFile: strings.TrimSpace(sessionFile),
		listeners:   make(map[int]func(Event)),
	}
	if c.baseURL == "" {
		return nil, errors.New("auth URL required")
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// OnAuthStateChange registers fn for every later state change.
func (c *Client) OnAuthStateChange(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) SignIn(ctx context.Context, email, password string) error {
	var resp Session
	payload := map[string]string{"email": strings.TrimSpace(email), "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", payload, &resp); err != nil {
		return err
	}
	if err := c.setSession(&resp); err != nil {
		return err
	}
	c.emit(Event{Type: SignedIn, User: resp.User})
	return nil
}

// SignUp creates the identity and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password string) (domain.User, error) {
	var resp Session
	payload := map[string]string{"email": strings.TrimSpace(email), "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/signup", "", payload, &resp); err != nil {
		return domain.User{}, err
	}
	if err := c.setSession(&resp); err != nil {
		return domain.User{}, err
	}
	c.emit(Event{Type: SignedIn, User: resp.User})
	return resp.User, nil
}

// SignOut revokes the session server side and always forgets it locally.
func (c *Client) SignOut(ctx context.Context) error {
	sess := c.current()
	var err error
	if sess != nil && sess.Token != "" {
		var payload any
		if sess.RefreshToken != "" {
			payload = map[string]string{"refreshToken": sess.RefreshToken}
		}
		err = c.doJSON(ctx, http.MethodPost, "/auth/logout", sess.Token, payload, nil)
	}
	if clearErr := c.setSession(nil); clearErr != nil && err == nil {
		err = clearErr
	}
	c.emit(Event{Type: SignedOut})
	return err
}

// CurrentUser confirms the stored session with the auth service. A 401 is
// answered with one refresh; if that fails the session is dropped.
func (c *Client) CurrentUser(ctx context.Context) (domain.User, bool, error) {
	sess := c.current()
	if sess == nil {
		return domain.User{}, false, nil
	}
	user, err := c.me(ctx, sess.Token)
	if err == nil {
		return user, true, nil
	}
	if !isUnauthorized(err) {
		return domain.User{}, false, err
	}
	if err := c.Refresh(ctx); err != nil {
		if errors.Is(err, ErrNotSignedIn) || isUnauthorized(err) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	sess = c.current()
	if sess == nil {
		return domain.User{}, false, nil
	}
	user, err = c.me(ctx, sess.Token)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, true, nil
}

// Refresh rotates the token pair. A rejected refresh token ends the session.
func (c *Client) Refresh(ctx context.Context) error {
	sess := c.current()
	if sess == nil || sess.RefreshToken == "" {
		return ErrNotSignedIn
	}
	var resp Session
	err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": sess.RefreshToken}, &resp)
	if err != nil {
		if isUnauthorized(err) {
			if clearErr := c.setSession(nil); clearErr != nil {
				slog.Warn("clear session failed", "err", clearErr)
			}
			c.emit(Event{Type: SignedOut})
		}
		return err
	}
	if err := c.setSession(&resp); err != nil {
		return err
	}
	c.emit(Event{Type: TokenRefreshed, User: resp.User})
	return nil
}

// AccessToken returns the current bearer token.
func (c *Client) AccessToken(context.Context) (string, error) {
	sess := c.current()
	if sess == nil || sess.Token == "" {
		return "", ErrNotSignedIn
	}
	return sess.Token, nil
}

func (c *Client) me(ctx context.Context, token string) (domain.User, error) {
	var user domain.User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", token, nil, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (c *Client) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	cp := *c.session
	return &cp
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	listeners := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// setSession replaces the session and persists it; nil removes the file.
func (c *Client) setSession(sess *Session) error {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	if c.sessionFile == "" {
		return nil
	}
	if sess == nil {
		if err := os.Remove(c.sessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.sessionFile), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(c.sessionFile, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (c *Client) load() error {
	if c.sessionFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.sessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt file is treated as signed out.
		slog.Warn("ignoring unreadable session file", "path", c.sessionFile, "err", err)
		return nil
	}
	if sess.Token != "" {
		c.session = &sess
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
