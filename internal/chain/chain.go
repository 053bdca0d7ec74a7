// Package chain talks to Ethereum JSON-RPC endpoints.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client reads the chain head, falling back through its endpoints in order.
type Client struct {
	urls    []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(timeout time.Duration, urls ...string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{urls: urls, timeout: timeout, logger: slog.With("component", "chain")}
}

// Head returns the latest block number (eth_blockNumber) from the first
// endpoint that answers. It fails only when every endpoint failed.
func (c *Client) Head(ctx context.Context) (int64, error) {
	if len(c.urls) == 0 {
		return 0, errors.New("no rpc endpoints configured")
	}
	var errs []error
	for _, url := range c.urls {
		n, err := c.head(ctx, url)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.logger.Warn("head lookup failed, trying next endpoint", "endpoint", Redact(url), "error", err)
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("chain head from %d endpoint(s): %w", len(c.urls), errors.Join(errs...))
}

func (c *Client) head(ctx context.Context, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", Redact(url), err)
	}
	defer ec.Close()

	n, err := ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber on %s: %w", Redact(url), err)
	}
	return int64(n), nil
}

// Pinger checks endpoint liveness with web3_clientVersion.
type Pinger struct {
	timeout time.Duration
}

func NewPinger(timeout time.Duration) *Pinger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Pinger{timeout: timeout}
}

// Ping returns nil when the endpoint answers web3_clientVersion in time.
func (p *Pinger) Ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", Redact(url), err)
	}
	defer c.Close()

	var version string
	if err := c.CallContext(ctx, &version, "web3_clientVersion"); err != nil {
		return fmt.Errorf("web3_clientVersion on %s: %w", Redact(url), err)
	}
	return nil
}
