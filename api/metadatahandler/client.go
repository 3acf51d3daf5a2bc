package metadatahandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tkey-engine/api"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
)

// DefaultTimeout bounds a single request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client implements interfaces.StorageLayer against a remote metadata server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

var _ interfaces.StorageLayer = (*Client)(nil)

// NewClient creates a client for the metadata server at baseURL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        log,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) url(address curve.KeyPoint) string {
	return fmt.Sprintf("%s/api/metadata/%s", c.baseURL, address.Hex())
}

// Fetch returns the latest record for address.
func (c *Client) Fetch(ctx context.Context, address curve.KeyPoint) (*interfaces.VersionedRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(address), nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var rec api.MetadataRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: could not parse metadata response: %v", interfaces.ErrBackendUnavailable, err)
	}
	return &interfaces.VersionedRecord{Version: rec.Version, Payload: rec.Payload}, nil
}

// Commit posts a new version for req.Address.
func (c *Client) Commit(ctx context.Context, creq interfaces.CommitRequest) error {
	payload, err := json.Marshal(api.CommitMetadataRequest{
		ExpectedPrior: creq.ExpectedPrior,
		Version:       creq.Version,
		Payload:       creq.Payload,
		Signature:     creq.Signature,
	})
	if err != nil {
		return fmt.Errorf("could not marshal commit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(creq.Address), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := c.do(req); err != nil {
		return err
	}
	c.log.Debug("Committed metadata", slog.String("address", creq.Address.Hex()), slog.Int64("version", creq.Version))
	return nil
}

// do executes req and maps the response status to the storage sentinels.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read response: %w", interfaces.ErrBackendUnavailable, err)
	}

	msg := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, msg)
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVersionConflict, msg)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnauthorized, msg)
	case http.StatusBadRequest:
		return nil, fmt.Errorf("metadata server rejected request: %s", msg)
	default:
		c.log.Warn("Metadata server error", slog.Int("status", resp.StatusCode), slog.String("url", req.URL.String()))
		return nil, fmt.Errorf("%w: status %d: %s", interfaces.ErrBackendUnavailable, resp.StatusCode, msg)
	}
}
