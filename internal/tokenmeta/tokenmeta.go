// Package tokenmeta pages token metadata from an HTTP API.
package tokenmeta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/checkpoint"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// DefaultSince is the lower bound used when nothing was ingested yet.
const DefaultSince = "2015-07-30 00:00:00.000"

type Config struct {
	Endpoint   string
	APIKey     string
	PageSize   int
	Retries    int
	RetryDelay time.Duration
	PageDelay  time.Duration
}

// Client fetches every token refreshed after a timestamp.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50000
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: slog.With("component", "tokenmeta"),
	}
}

type apiToken struct {
	ContractAddress  string          `json:"contract_address"`
	Name             string          `json:"name"`
	Symbol           string          `json:"symbol"`
	Decimals         json.RawMessage `json:"decimals"`
	Standard         string          `json:"standard"`
	CreatedTimestamp string          `json:"created_timestamp"`
	LastRefreshed    *string         `json:"last_refreshed"`
}

type page struct {
	Results []apiToken `json:"results"`
}

// Fetch pages through the API until a page comes back empty.
func (c *Client) Fetch(ctx context.Context, since string) ([]tables.TokenMetadataRow, error) {
	var out []tables.TokenMetadataRow
	for offset := 0; ; offset += c.cfg.PageSize {
		results, err := c.page(ctx, since, offset)
		if err != nil {
			return nil, fmt.Errorf("fetch token metadata at offset %d: %w", offset, err)
		}
		if len(results) == 0 {
			break
		}
		for _, r := range results {
			row, err := toRow(r)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		c.logger.Debug("fetched page", "offset", offset, "results", len(results))

		if c.cfg.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.PageDelay):
			}
		}
	}
	c.logger.Info("token metadata fetched", "tokens", len(out), "since", since)
	return out, nil
}

func (c *Client) page(ctx context.Context, since string, offset int) ([]apiToken, error) {
	var results []apiToken
	op := func() error {
		p, err := c.get(ctx, since, offset)
		if err != nil {
			return err
		}
		results = p.Results
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("token metadata request failed, retrying", "error", err, "backoff", wait)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(max(c.cfg.Retries, 0))),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) get(ctx context.Context, since string, offset int) (*page, error) {
	q := url.Values{}
	q.Set("last_timestamp_inserted", since)
	q.Set("limit_param", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset_param", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-API-KEY", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(body, 1024))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var p page
	if err := json.NewDecoder(body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &p, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func toRow(t apiToken) (tables.TokenMetadataRow, error) {
	created, err := parseTime(t.CreatedTimestamp)
	if err != nil {
		return tables.TokenMetadataRow{}, fmt.Errorf("token %s created_timestamp: %w", t.ContractAddress, err)
	}
	refreshed := created
	if t.LastRefreshed != nil && *t.LastRefreshed != "" {
		if refreshed, err = parseTime(*t.LastRefreshed); err != nil {
			return tables.TokenMetadataRow{}, fmt.Errorf("token %s last_refreshed: %w", t.ContractAddress, err)
		}
	}
	row := tables.TokenMetadataRow{
		ContractAddress:  t.ContractAddress,
		Name:             t.Name,
		Symbol:           t.Symbol,
		Standard:         t.Standard,
		CreatedTimestamp: created,
		LastRefreshed:    refreshed,
		DatePartition:    tables.DatePartition(created),
	}
	if d := strings.Trim(string(t.Decimals), `"`); d != "" && d != "null" {
		n, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return tables.TokenMetadataRow{}, fmt.Errorf("token %s decimals: %w", t.ContractAddress, err)
		}
		row.Decimals = &n
	}
	return row, nil
}

// lastRefreshedSpec reads MAX(last_refreshed) from the newest raw partition.
var lastRefreshedSpec = tables.Spec{
	Name:                tables.TokensMetadata,
	Layer:               tables.LayerRaw,
	CheckpointColumn:    "last_refreshed",
	Seed:                DefaultSince,
	SeedKind:            tables.SeedTimestamp,
	LatestPartitionOnly: true,
}

// Since returns the newest last_refreshed already in the raw layer.
func Since(ctx context.Context, eng engine.Engine, rawDatabase string) (string, error) {
	v, err := checkpoint.NewReader(eng).Read(ctx, rawDatabase, lastRefreshedSpec, nil)
	if err != nil {
		return "", fmt.Errorf("read token metadata watermark: %w", err)
	}
	return v.FilterValue(), nil
}

var errNoEndpoint = errors.New("token metadata endpoint not configured")

// Validate reports whether the client can be used.
func (c *Client) Validate() error {
	if c.cfg.Endpoint == "" {
		return errNoEndpoint
	}
	return nil
}
