package rscat

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/recordmesh/recordmesh/pkg/recordservice"
	"github.com/recordmesh/recordmesh/pkg/recordservice/httprpc"
)

const usage = "usage: rscat [--hostname host] [--port port] [--parallel n] [--replica policy] [--timeout d] <path|table> [rows]"

var errRowLimit = errors.New("row limit reached")

type Options struct {
	Hostname    string
	Port        int
	Principal   string
	User        string
	MaxAttempts int
	RetrySleep  time.Duration
	Parallelism int
	FetchSize   int
	// Limit caps the records printed when no row count is given.
	Limit    int64
	MemLimit int64
	// ReplicaPolicy is "random", "round-robin" or "locality".
	ReplicaPolicy string
	LocalHostname string
	Timeout       time.Duration
	APIKey        string
	// Planner and Worker default to the HTTP transport.
	Planner recordservice.PlannerDialer
	Worker  recordservice.WorkerDialer
	Logger  *slog.Logger
	Stdout  io.Writer
	Stderr  io.Writer
}

// Run prints every record of a path or table, one comma separated line per
// record, and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("rscat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = fmt.Fprintln(stderr, usage) }

	hostname := fs.String("hostname", firstNonEmpty(defaults.Hostname, "localhost"), "planner hostname")
	port := fs.Int("port", intOr(defaults.Port, 12050), "planner port")
	parallel := fs.Int("parallel", intOr(defaults.Parallelism, 1), "tasks fetched concurrently")
	replica := fs.String("replica", firstNonEmpty(defaults.ReplicaPolicy, "random"), "replica policy: random, round-robin or locality")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "per request timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return 2
	}
	target := strings.TrimSpace(fs.Arg(0))
	limit := defaults.Limit
	if fs.NArg() == 2 {
		n, err := strconv.ParseInt(fs.Arg(1), 10, 64)
		if err != nil || n < 1 {
			_, _ = fmt.Fprintf(stderr, "invalid row count %q\n", fs.Arg(1))
			fs.Usage()
			return 2
		}
		limit = n
	}
	policy, err := recordservice.ReplicaPolicyFor(*replica, localHostname(defaults.LocalHostname))
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}

	var transport *httprpc.Dialer
	if defaults.Planner == nil || defaults.Worker == nil {
		transport = httprpc.NewDialer(httprpc.Options{Timeout: *timeout, APIKey: defaults.APIKey, Logger: defaults.Logger})
	}
	planner := defaults.Planner
	if planner == nil {
		planner = transport
	}
	worker := defaults.Worker
	if worker == nil {
		worker = transport
	}

	c := &catter{
		planner: recordservice.PlannerOptions{
			Endpoint:    recordservice.Endpoint{Hostname: *hostname, Port: *port, Principal: defaults.Principal},
			Dialer:      planner,
			MaxAttempts: defaults.MaxAttempts,
			RetrySleep:  defaults.RetrySleep,
			User:        defaults.User,
			Logger:      defaults.Logger,
		},
		parallel: recordservice.ParallelOptions{
			Parallelism: *parallel,
			Policy:      policy,
			Worker: recordservice.WorkerOptions{
				Dialer:    worker,
				FetchSize: defaults.FetchSize,
				Limit:     limit,
				MemLimit:  defaults.MemLimit,
				Logger:    defaults.Logger,
			},
		},
		limit: limit,
		out:   stdout,
	}
	if err := c.run(ctx, target); err != nil {
		_, _ = fmt.Fprintf(stderr, "rscat: %v\n", err)
		return 1
	}
	return 0
}

type catter struct {
	planner  recordservice.PlannerOptions
	parallel recordservice.ParallelOptions
	limit    int64
	out      io.Writer

	mu      sync.Mutex
	printed int64
}

func (c *catter) run(ctx context.Context, target string) error {
	plan, err := c.plan(ctx, target)
	if err != nil {
		return err
	}
	err = recordservice.ForEachTask(ctx, plan.Tasks, c.parallel, func(_ context.Context, _ recordservice.Task, records *recordservice.Records) error {
		for records.Next() {
			line, err := formatRecord(records.Record())
			if err != nil {
				return err
			}
			if err := c.print(line); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errRowLimit) {
		return nil
	}
	return err
}

// plan treats target as a path first and as a table name when the planner
// rejects the path.
func (c *catter) plan(ctx context.Context, target string) (recordservice.PlanResult, error) {
	client, err := recordservice.ConnectPlanner(ctx, c.planner)
	if err != nil {
		return recordservice.PlanResult{}, err
	}
	defer func() { _ = client.Close() }()

	plan, err := client.PlanRequest(ctx, recordservice.NewPathRequest(target))
	var se *recordservice.ServiceError
	if errors.As(err, &se) {
		plan, err = client.PlanRequest(ctx, recordservice.NewTableScanRequest(target))
	}
	return plan, err
}

func (c *catter) print(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && c.printed >= c.limit {
		return errRowLimit
	}
	if _, err := fmt.Fprintln(c.out, line); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	c.printed++
	return nil
}

func formatRecord(rec recordservice.Record) (string, error) {
	values, err := rec.Values()
	if err != nil {
		return "", err
	}
	parts := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ","), nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func localHostname(configured string) string {
	if configured != "" {
		return configured
	}
	name, _ := os.Hostname()
	return name
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
