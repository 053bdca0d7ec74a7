// Package fetcher runs extraction commands against RPC endpoints with failover.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/chain"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
)

// DefaultTimeout bounds one extraction subprocess.
const DefaultTimeout = 600 * time.Second

// ErrNoEndpoints is returned when an RPC operation gets an empty list.
var ErrNoEndpoints = errors.New("no rpc endpoints")

// Pinger checks that an endpoint is live.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) error
}

// Runner executes a shell command under a timeout.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) error
}

// ExhaustedError reports an operation that failed on every endpoint it was
// allowed to try.
type ExhaustedError struct {
	Operation string
	Range     string
	Tried     []string
	Remaining []string
	Errs      []error
}

func (e *ExhaustedError) Error() string {
	tried := make([]string, len(e.Tried))
	for i, t := range e.Tried {
		tried[i] = chain.Redact(t)
	}
	msg := fmt.Sprintf("%s exhausted after %d endpoint(s) [%s], %d remaining",
		e.Operation, len(e.Tried), strings.Join(tried, ", "), len(e.Remaining))
	if e.Range != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Range)
	}
	if len(e.Errs) > 0 {
		msg += ": " + e.Errs[len(e.Errs)-1].Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error { return e.Errs }

// Config configures the fetcher.
type Config struct {
	Timeout time.Duration
	WorkDir string
}

// Fetcher runs operations with endpoint failover.
type Fetcher struct {
	pinger  Pinger
	runner  Runner
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(pinger Pinger, runner Runner, cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Fetcher{
		pinger:  pinger,
		runner:  runner,
		cfg:     cfg,
		logger:  slog.With("component", "fetcher"),
		metrics: metrics.Get(),
	}
}

// Prepare creates the work dir.
func (f *Fetcher) Prepare() error {
	if err := os.MkdirAll(f.cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir %s: %w", f.cfg.WorkDir, err)
	}
	return nil
}

// Fetch runs op against the head of endpoints, dropping the head after a
// failed ping, a process error or a timeout. At most min(len(endpoints),
// retries+1) endpoints are tried.
func (f *Fetcher) Fetch(ctx context.Context, op Operation, endpoints []string, retries int) error {
	if !op.NeedsRPC {
		return f.RunLocal(ctx, op)
	}

	eps := Dedupe(endpoints)
	if len(eps) == 0 {
		return &ExhaustedError{Operation: op.Name, Range: op.rangeString(), Errs: []error{ErrNoEndpoints}}
	}
	budget := retries
	var (
		tried []string
		errs  []error
	)
	labels := metrics.Labels{Operation: op.Name}

	for {
		endpoint := eps[0]
		log := f.logger.With("operation", op.Name, "endpoint", chain.Redact(endpoint), "start_block", op.Start, "end_block", op.End)

		err := f.attempt(ctx, op, endpoint)
		if err == nil {
			f.metrics.IncFetchAttempt(labels, "success")
			log.Info("extraction succeeded")
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op.Name, ctx.Err())
		}

		f.metrics.IncFetchAttempt(labels, "failure")
		log.Warn("extraction failed, dropping endpoint", "error", err, "retries_left", budget)
		tried = append(tried, endpoint)
		errs = append(errs, err)
		eps = eps[1:]

		if len(eps) == 0 || budget == 0 {
			return &ExhaustedError{
				Operation: op.Name,
				Range:     op.rangeString(),
				Tried:     tried,
				Remaining: eps,
				Errs:      errs,
			}
		}
		budget--
		f.metrics.IncEndpointFailover(labels)
	}
}

func (f *Fetcher) attempt(ctx context.Context, op Operation, endpoint string) error {
	if err := f.pinger.Ping(ctx, endpoint); err != nil {
		return fmt.Errorf("endpoint not live: %w", err)
	}
	if err := f.runner.Run(ctx, op.Command(endpoint), f.cfg.Timeout); err != nil {
		return fmt.Errorf("run %s: %w", op.Name, err)
	}
	return nil
}

// RunLocal runs an operation that needs no node, once.
func (f *Fetcher) RunLocal(ctx context.Context, op Operation) error {
	if err := f.runner.Run(ctx, op.Command(""), f.cfg.Timeout); err != nil {
		f.metrics.IncFetchAttempt(metrics.Labels{Operation: op.Name}, "failure")
		return fmt.Errorf("run %s: %w", op.Name, err)
	}
	f.metrics.IncFetchAttempt(metrics.Labels{Operation: op.Name}, "success")
	return nil
}

// Cleanup removes the work dir and everything extracted into it.
func (f *Fetcher) Cleanup() error {
	if err := os.RemoveAll(f.cfg.WorkDir); err != nil {
		return fmt.Errorf("remove work dir %s: %w", f.cfg.WorkDir, err)
	}
	return nil
}

// Dedupe drops empty and repeated endpoints, keeping first occurrence order.
func Dedupe(endpoints []string) []string {
	seen := make(map[string]bool, len(endpoints))
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
