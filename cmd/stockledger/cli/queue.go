package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/offline"
	"github.com/odyssey-erp/stockledger/jobs"
)

// DrainTrigger enqueues a background drain; implemented by jobs.Client.
type DrainTrigger interface {
	TriggerDrain(ctx context.Context, deviceID string) error
}

// LocalDrainer drains in-process; implemented by offline.Queue.
type LocalDrainer interface {
	Drain(ctx context.Context, apply offline.Applier) (offline.Report, error)
	DrainDevice(ctx context.Context, deviceID string, apply offline.Applier) (offline.Report, error)
	List(ctx context.Context, filter offline.Filter) ([]offline.Mutation, error)
}

// QueueCLI wraps manual helpers for the offline queue and its jobs.
type QueueCLI struct {
	trigger   DrainTrigger
	inspector jobs.QueueInspector
	closers   []io.Closer
}

// NewQueueCLI initialises the helpers against the asynq Redis.
func NewQueueCLI(redisOpts asynq.RedisClientOpt) (*QueueCLI, error) {
	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		return nil, err
	}
	inspector := asynq.NewInspector(redisOpts)
	return &QueueCLI{trigger: client, inspector: inspector, closers: []io.Closer{inspector, client}}, nil
}

// Close releases underlying resources.
func (c *QueueCLI) Close() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DrainOptions defines the flags of the drain command.
type DrainOptions struct {
	DeviceIDs []string
	// Local drains in this process with Drainer and Applier instead of
	// enqueueing worker tasks.
	Local      bool
	Drainer    LocalDrainer
	Applier    offline.Applier
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// DrainCommand triggers or runs drains and returns the exit code. A local
// drain that left FAILED mutations exits with ExitRejected.
func (c *QueueCLI) DrainCommand(ctx context.Context, opts DrainOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if !opts.Local {
		if c == nil || c.trigger == nil {
			fmt.Fprintln(stderr, "drain: job client not configured")
			return ExitFailure
		}
		if len(opts.DeviceIDs) == 0 {
			fmt.Fprintln(stderr, "drain: at least one device id required (use -local to drain all devices)")
			return ExitFailure
		}
		for _, id := range opts.DeviceIDs {
			if err := c.trigger.TriggerDrain(ctx, id); err != nil {
				fmt.Fprintf(stderr, "drain: %s: %v\n", id, err)
				return ExitFailure
			}
			fmt.Fprintf(stdout, "drain queued for %s\n", id)
		}
		return ExitOK
	}

	if opts.Drainer == nil || opts.Applier == nil {
		fmt.Fprintln(stderr, "drain: local drain needs a queue and an applier")
		return ExitFailure
	}
	var (
		report offline.Report
		err    error
	)
	if len(opts.DeviceIDs) == 0 {
		report, err = opts.Drainer.Drain(ctx, opts.Applier)
	} else {
		for _, id := range opts.DeviceIDs {
			var r offline.Report
			r, err = opts.Drainer.DrainDevice(ctx, id, opts.Applier)
			report.Succeeded += r.Succeeded
			report.Failed += r.Failed
			report.Blocked += r.Blocked
			report.Failures = append(report.Failures, r.Failures...)
			if err != nil {
				break
			}
		}
	}
	if opts.JSONOutput {
		if encErr := json.NewEncoder(stdout).Encode(report); encErr != nil {
			fmt.Fprintf(stderr, "drain: encode report: %v\n", encErr)
			return ExitFailure
		}
	} else {
		fmt.Fprintf(stdout, "applied=%d failed=%d blocked=%d\n", report.Succeeded, report.Failed, report.Blocked)
		for _, f := range report.Failures {
			fmt.Fprintf(stdout, "  %s device=%s %s: %s\n", f.MutationID, f.DeviceID, f.Code, f.Reason)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "drain: %v\n", err)
		return ExitFailure
	}
	if report.Failed > 0 {
		return ExitRejected
	}
	return ExitOK
}

// LocalDrain runs DrainCommand in-process without a job client.
func LocalDrain(ctx context.Context, opts DrainOptions) int {
	opts.Local = true
	return (&QueueCLI{}).DrainCommand(ctx, opts)
}

// QueueStats summarises one asynq queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports the job queues.
func (c *QueueCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("queue cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueOffline, jobs.QueueDefault} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("queue %s: %w", name, err)
		}
		if info != nil {
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}

// StatsOptions defines the flags of the stats command.
type StatsOptions struct {
	// Mutations, when set, adds per-status counts of queued mutations.
	Mutations  LocalDrainer
	DeviceID   string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StatsReport is the JSON output of the stats command.
type StatsReport struct {
	Queues    []QueueStats   `json:"queues"`
	Mutations map[string]int `json:"mutations,omitempty"`
}

// StatsCommand prints queue depth and mutation counts.
func (c *QueueCLI) StatsCommand(ctx context.Context, opts StatsOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	queues, err := c.InspectQueues(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return ExitFailure
	}
	report := StatsReport{Queues: queues}
	if opts.Mutations != nil {
		report.Mutations = map[string]int{}
		for _, status := range []offline.Status{offline.StatusPending, offline.StatusFailed, offline.StatusApplied, offline.StatusDismissed} {
			items, err := opts.Mutations.List(ctx, offline.Filter{DeviceID: opts.DeviceID, Status: status})
			if err != nil {
				fmt.Fprintf(stderr, "stats: list %s: %v\n", status, err)
				return ExitFailure
			}
			report.Mutations[string(status)] = len(items)
		}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(report); err != nil {
			fmt.Fprintf(stderr, "stats: encode: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, q := range report.Queues {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", q.Queue, q.Pending, q.Active, q.Scheduled, q.Retry, q.Archived)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return ExitFailure
	}
	if report.Mutations != nil {
		fmt.Fprintf(stdout, "mutations: pending=%d failed=%d applied=%d dismissed=%d\n",
			report.Mutations[string(offline.StatusPending)], report.Mutations[string(offline.StatusFailed)],
			report.Mutations[string(offline.StatusApplied)], report.Mutations[string(offline.StatusDismissed)])
	}
	return ExitOK
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
