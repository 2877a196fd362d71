// Package jwks resolves token signing keys from an identity service.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"drainsrv/internal/platform/telemetry"
)

// ErrKeyNotFound is returned when the key set holds no usable key for a kid.
var ErrKeyNotFound = errors.New("key not found in JWKS")

// minModulusBits rejects keys too short to trust.
const minModulusBits = 2048

// Client caches the RS256 keys of a JWKS endpoint. An unknown kid triggers a
// refetch, at most once per minRefresh whether or not the last attempt
// succeeded. A failed fetch keeps the previous key set.
type Client struct {
	endpoint   string
	minRefresh time.Duration
	httpClient *http.Client
	metrics    *telemetry.ServerMetrics

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastAttempt time.Time
}

// NewClient returns a Client for endpoint. m may be nil.
func NewClient(endpoint string, minRefresh time.Duration, m *telemetry.ServerMetrics) *Client {
	return &Client{
		endpoint:   endpoint,
		minRefresh: minRefresh,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metrics:    m,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Warm fetches the key set now, ignoring the refresh throttle.
func (c *Client) Warm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked(ctx)
}

// GetKey returns the public key for kid.
func (c *Client) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	c.mu.Lock()
	// Another request may have refreshed while this one waited.
	if key, ok := c.keys[kid]; ok {
		c.mu.Unlock()
		return key, nil
	}
	var err error
	if c.lastAttempt.IsZero() || time.Since(c.lastAttempt) >= c.minRefresh {
		err = c.fetchLocked(ctx)
	}
	key, ok := c.keys[kid]
	c.mu.Unlock()

	if ok {
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving kid %q: %w", kid, err)
	}
	return nil, fmt.Errorf("kid %q: %w", kid, ErrKeyNotFound)
}

func (c *Client) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok
}

func (c *Client) fetchLocked(ctx context.Context) error {
	c.lastAttempt = time.Now()
	keys, err := c.download(ctx)
	if err != nil {
		c.metrics.RecordJWKSRefresh(ctx, "failure")
		return err
	}
	c.metrics.RecordJWKSRefresh(ctx, "success")
	c.keys = keys
	return nil
}

func (c *Client) download(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var set keySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decoding JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Alg != "RS256" || (k.Use != "" && k.Use != "sig") {
			slog.Debug("skipping JWKS key", "kid", k.Kid, "kty", k.Kty, "alg", k.Alg, "use", k.Use)
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			slog.Warn("unusable JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

type keySet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding e: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	if n.BitLen() < minModulusBits {
		return nil, fmt.Errorf("modulus is %d bits, need %d", n.BitLen(), minModulusBits)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
