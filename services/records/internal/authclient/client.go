// Package authclient asks the auth service who a bearer token belongs to.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cabohealth/pkg/domain"
)

// ErrRejected means auth refused the token: unknown, revoked or disabled.
var ErrRejected = errors.New("identity rejected by auth service")

type Client struct {
	meURL string
	http  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		meURL: strings.TrimRight(baseURL, "/") + "/auth/me",
		http:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Me resolves token to its user. 401 and 403 answers wrap ErrRejected;
// other failures are transport or upstream errors.
func (c *Client) Me(ctx context.Context, token string) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.meURL, nil)
	if err != nil {
		return domain.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.User{}, fmt.Errorf("auth me: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.User{}, fmt.Errorf("%w: %s", ErrRejected, errorCode(resp.Body, resp.Status))
	case resp.StatusCode != http.StatusOK:
		return domain.User{}, fmt.Errorf("auth me: %s", errorCode(resp.Body, resp.Status))
	}
	var user domain.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return domain.User{}, fmt.Errorf("decode auth me: %w", err)
	}
	if user.ID == "" {
		return domain.User{}, errors.New("auth me: response without user id")
	}
	return user, nil
}

// errorCode extracts the code of an auth error body, falling back to the
// HTTP status line.
func errorCode(body io.Reader, status string) string {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4<<10)).Decode(&payload); err != nil || payload.Code == "" {
		return status
	}
	return payload.Code
}
