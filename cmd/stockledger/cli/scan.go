package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/scan"
)

// Exit codes shared by the commands.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitRejected = 10
)

// ScanCLI feeds codes from a reader into a scan session, one code per line.
// Lines starting with ':' are directives: ":assign <line> <product>",
// ":remove <line>", ":lines", ":commit" and ":cancel". Input ending without
// a directive commits the session.
type ScanCLI struct {
	resolver scan.Resolver
	poster   scan.Poster
	cfg      scan.Config
}

// NewScanCLI wires the scan command.
func NewScanCLI(resolver scan.Resolver, poster scan.Poster, cfg scan.Config) (*ScanCLI, error) {
	if resolver.Products == nil || poster == nil {
		return nil, errors.New("scan cli: catalog and poster required")
	}
	return &ScanCLI{resolver: resolver, poster: poster, cfg: cfg}, nil
}

// ScanOptions defines the flags of the scan command.
type ScanOptions struct {
	Params     scan.Params
	JSONOutput bool
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// ScanSummary is the JSON output of the scan command.
type ScanSummary struct {
	OK          bool                  `json:"ok"`
	Committed   bool                  `json:"committed"`
	ReferenceID string                `json:"reference_id,omitempty"`
	Entries     int                   `json:"entries"`
	Ignored     int                   `json:"ignored"`
	Rejected    []ScanRejection       `json:"rejected"`
	Lines       []scan.LineItem       `json:"lines"`
	Aggregates  []inventory.Aggregate `json:"aggregates,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// ScanRejection reports a code the session refused.
type ScanRejection struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Run executes the scan workflow and returns the process exit code.
func (c *ScanCLI) Run(ctx context.Context, opts ScanOptions) int {
	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	human := func(format string, args ...any) {
		if !opts.JSONOutput {
			fmt.Fprintf(stdout, format+"\n", args...)
		}
	}

	session, err := scan.NewSession(c.cfg, opts.Params, c.resolver, c.poster)
	if err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return ExitFailure
	}

	summary := ScanSummary{Rejected: []ScanRejection{}}
	finish := func(code int) int {
		summary.Lines = session.Lines()
		if opts.JSONOutput {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				fmt.Fprintf(stderr, "scan: encode summary: %v\n", err)
				return ExitFailure
			}
		}
		return code
	}
	commit := func() int {
		posting, err := session.Commit(ctx)
		if err != nil {
			summary.Error = err.Error()
			if inventory.IsBusiness(err) {
				human("commit rejected: %v", err)
				return finish(ExitRejected)
			}
			fmt.Fprintf(stderr, "scan: commit: %v\n", err)
			return finish(ExitFailure)
		}
		summary.OK = true
		summary.Committed = true
		summary.ReferenceID = posting.ReferenceID
		summary.Entries = len(posting.Entries)
		summary.Aggregates = posting.Aggregates
		human("committed %s: %d entries", posting.ReferenceID, len(posting.Entries))
		for _, agg := range posting.Aggregates {
			human("  warehouse %d product %d: quantity=%d available=%d damaged=%d",
				agg.WarehouseID, agg.ProductID, agg.Quantity, agg.AvailableQty, agg.DamagedQty)
		}
		return finish(ExitOK)
	}

	reader := bufio.NewScanner(stdin)
	lineNo := 0
	for reader.Scan() {
		lineNo++
		text := strings.TrimSpace(reader.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if strings.HasPrefix(text, ":") {
			fields := strings.Fields(text[1:])
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "commit":
				return commit()
			case "cancel":
				session.Cancel()
				human("session cancelled")
				summary.OK = true
				return finish(ExitOK)
			case "lines":
				for i, line := range session.Lines() {
					human("%3d %s", i, describeLine(line))
				}
			case "assign":
				idx, pid, err := twoInts(fields[1:])
				if err != nil {
					fmt.Fprintf(stderr, "scan: line %d: assign: %v\n", lineNo, err)
					return finish(ExitFailure)
				}
				line, err := session.AssignProduct(ctx, idx, pid)
				if err != nil {
					summary.Rejected = append(summary.Rejected, ScanRejection{Code: text, Reason: err.Error()})
					human("! assign %d: %v", idx, err)
					continue
				}
				human("= %s", describeLine(line))
			case "remove":
				if len(fields) != 2 {
					fmt.Fprintf(stderr, "scan: line %d: remove needs a line number\n", lineNo)
					return finish(ExitFailure)
				}
				idx, err := strconv.Atoi(fields[1])
				if err == nil {
					err = session.RemoveLine(idx)
				}
				if err != nil {
					summary.Rejected = append(summary.Rejected, ScanRejection{Code: text, Reason: err.Error()})
					human("! remove %s: %v", fields[1], err)
					continue
				}
				human("- line %d removed", idx)
			default:
				fmt.Fprintf(stderr, "scan: line %d: unknown directive %q\n", lineNo, fields[0])
				return finish(ExitFailure)
			}
			continue
		}

		line, err := session.AddScan(ctx, text)
		switch {
		case err == nil:
			human("+ %s", describeLine(line))
		case errors.Is(err, inventory.ErrDuplicateScanIgnored):
			summary.Ignored++
			human("~ %s ignored (repeat within debounce window)", text)
		case inventory.IsBusiness(err):
			summary.Rejected = append(summary.Rejected, ScanRejection{Code: text, Reason: err.Error()})
			human("! %s: %v", text, err)
		default:
			fmt.Fprintf(stderr, "scan: %s: %v\n", text, err)
			summary.Error = err.Error()
			return finish(ExitFailure)
		}
	}
	if err := reader.Err(); err != nil {
		fmt.Fprintf(stderr, "scan: read input: %v\n", err)
		return finish(ExitFailure)
	}
	return commit()
}

func describeLine(line scan.LineItem) string {
	switch {
	case line.NeedsProductAssignment:
		return fmt.Sprintf("%s x%d (unresolved, assign a product)", line.Code, line.Quantity)
	case line.IsSerial():
		return fmt.Sprintf("%s serial of product %d %s", line.Serial, line.ProductID, line.ProductName)
	default:
		return fmt.Sprintf("%s x%d product %d %s", line.Code, line.Quantity, line.ProductID, line.ProductName)
	}
}

func twoInts(fields []string) (int, int64, error) {
	if len(fields) != 2 {
		return 0, 0, errors.New("expected <line> <product>")
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("line %q: %w", fields[0], err)
	}
	pid, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("product %q: %w", fields[1], err)
	}
	return idx, pid, nil
}
