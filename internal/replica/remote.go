package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mindmesh-backend/internal/domain"
	appErrors "mindmesh-backend/pkg/errors"
)

// GenerationInfo is the remote's answer to a generation probe.
type GenerationInfo struct {
	// Generation is the remote's current change generation.
	Generation int64 `json:"generation"`

	// Base is the oldest generation the remote can still serve
	// incrementally. A replica behind Base cannot catch up without a
	// full resync.
	Base int64 `json:"base"`
}

// SpaceChange is one space-level entry in a change frame.
type SpaceChange struct {
	Space   *domain.Space `json:"space,omitempty"`
	SpaceID string        `json:"spaceId"`
	Deleted bool          `json:"deleted,omitempty"`
}

// ChangeFrame carries space snapshots between replica and remote.
type ChangeFrame struct {
	Generation int64         `json:"generation"`
	Spaces     []SpaceChange `json:"spaces"`
}

// RemoteClient talks JSON-over-HTTP to the authoritative store. All calls go
// through a circuit breaker so a dead remote degrades the service to
// local-only operation instead of stalling every write on timeouts.
type RemoteClient struct {
	baseURL   string
	remoteURL string
	authToken string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewRemoteClient builds a client that syncs through baseURL. remoteURL names
// the authoritative store served behind that endpoint; it anchors the replica
// metadata fingerprint so pointing an existing replica at a different store is
// caught as divergence even when the sync endpoint address stays the same.
// An empty remoteURL falls back to the sync endpoint as the identity.
func NewRemoteClient(baseURL, remoteURL, authToken string, logger *zap.Logger) *RemoteClient {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &RemoteClient{
		baseURL:   baseURL,
		remoteURL: remoteURL,
		authToken: authToken,
		client:    &http.Client{Timeout: 15 * time.Second},
		breaker:   breaker,
		logger:    logger,
	}
}

// Fingerprint identifies the remote this client points at.
func (c *RemoteClient) Fingerprint() string {
	if c.remoteURL != "" {
		return FingerprintURL(c.remoteURL)
	}
	return FingerprintURL(c.baseURL)
}

// Generation probes the remote's current and base generations.
func (c *RemoteClient) Generation(ctx context.Context) (GenerationInfo, error) {
	var info GenerationInfo
	err := c.do(ctx, http.MethodGet, "/v1/sync/generation", nil, &info)
	return info, err
}

// Push uploads local changes and returns the remote generation that now
// includes them.
func (c *RemoteClient) Push(ctx context.Context, frame ChangeFrame) (int64, error) {
	var resp struct {
		Generation int64 `json:"generation"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sync/changes", frame, &resp); err != nil {
		return 0, err
	}
	return resp.Generation, nil
}

// Pull fetches remote changes newer than the given generation.
func (c *RemoteClient) Pull(ctx context.Context, since int64) (*ChangeFrame, error) {
	var frame ChangeFrame
	path := fmt.Sprintf("/v1/sync/changes?since=%d", since)
	if err := c.do(ctx, http.MethodGet, path, nil, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// Snapshot fetches the remote's full contents for disaster recovery.
func (c *RemoteClient) Snapshot(ctx context.Context) (*ChangeFrame, error) {
	var frame ChangeFrame
	if err := c.do(ctx, http.MethodGet, "/v1/sync/snapshot", nil, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, appErrors.NewInternal("encode sync request", err)
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, appErrors.NewInternal("build sync request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, appErrors.NewTransient("remote store unreachable", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			msg := fmt.Sprintf("remote store returned %d for %s %s: %s",
				resp.StatusCode, method, path, bytes.TrimSpace(payload))
			if isTransientStatus(resp.StatusCode) {
				return nil, appErrors.NewTransient(msg, nil)
			}
			return nil, appErrors.NewInternal(msg, nil)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, appErrors.NewInternal("decode sync response", err)
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return appErrors.NewTransient("remote breaker open", err)
	}
	return err
}

// isTransientStatus reports whether an HTTP status indicates contention that
// a retry can clear.
func isTransientStatus(code int) bool {
	return code == http.StatusLocked ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
