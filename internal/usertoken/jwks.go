package usertoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cabohealth/internal/rsakeys"

	"golang.org/x/sync/singleflight"
)

const defaultKeyCacheTTL = 5 * time.Minute

var errNoUsableKeys = errors.New("jwks contains no usable rsa keys")

// keySource caches the auth service's published key set. Concurrent
// reloads share a single fetch.
type keySource struct {
	url    string
	client *http.Client
	group  singleflight.Group
	now    func() time.Time

	mu      sync.RWMutex
	keys    rsakeys.Set
	expires time.Time
}

func (s *keySource) current() (rsakeys.Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys, s.now().Before(s.expires)
}

func (s *keySource) reload(ctx context.Context) (rsakeys.Set, error) {
	v, err, _ := s.group.Do("jwks", func() (any, error) {
		keys, ttl, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.keys = keys
		s.expires = s.now().Add(ttl)
		s.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(rsakeys.Set), nil
}

func (s *keySource) fetch(ctx context.Context) (rsakeys.Set, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var doc struct {
		Keys []rsakeys.JWK `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, 0, fmt.Errorf("decode jwks: %w", err)
	}
	keys := rsakeys.DecodeSet(doc.Keys)
	if len(keys) == 0 {
		return nil, 0, errNoUsableKeys
	}
	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeyCacheTTL
	}
	return keys, ttl, nil
}

// maxAge reads the max-age directive of a Cache-Control header.
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `" `))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
