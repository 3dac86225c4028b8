package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/berfenger/soc2mqtt/internal/core/domain"
	"github.com/berfenger/soc2mqtt/internal/profile"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	EXIT_OK           = 0
	EXIT_CONNECTION   = 1
	EXIT_READ_FAILURE = 2
)

// Run executes socread with args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := ParseOptions(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return EXIT_OK
		}
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return EXIT_CONNECTION
	}
	if opts.Version {
		fmt.Fprintln(stdout, "socread", versioninfo.Short())
		return EXIT_OK
	}

	logger, err := newLogger(opts.Debug)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return EXIT_CONNECTION
	}
	defer logger.Sync()

	registry, err := profile.LoadRegistry(opts.ProfilesFile)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return EXIT_CONNECTION
	}
	if opts.ListProfiles {
		printProfiles(stdout, registry)
		return EXIT_OK
	}

	plan, err := opts.Plan(registry)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return EXIT_CONNECTION
	}

	transport := mb.TransportConfig{
		Timeout: plan.Timeout,
		Logger:  logger,
	}
	if trace := mb.TraceLoggerInstrumentation(logger); trace != nil {
		transport.Instrument = append(transport.Instrument, *trace)
	}
	dialer, err := mb.NewDialer(opts.Driver, transport)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return EXIT_CONNECTION
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	start := time.Now()
	result, err := mb.NewSession(dialer, plan.Policy, logger).Run(ctx, plan.Address, plan.Profile.Plan())
	reading := domain.NewDeviceReading(plan.Profile.Name, plan.Profile, plan.Address, start, result, err)

	if opts.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(reading); encErr != nil {
			fmt.Fprintf(stderr, "ERROR: %v\n", encErr)
		}
	} else if err == nil {
		printReading(stdout, plan, reading, opts.Debug)
	}

	return exitCode(reading, err, stderr)
}

func exitCode(reading domain.DeviceReading, err error, stderr io.Writer) int {
	if err != nil {
		var connErr *mb.ConnectionError
		if errors.As(err, &connErr) {
			fmt.Fprintf(stderr, "ERROR: could not connect to %s: %v\n", connErr.Endpoint, connErr.Err)
		} else {
			fmt.Fprintf(stderr, "ERROR: %v\n", err)
		}
		return EXIT_CONNECTION
	}
	if reading.Failed() > 0 {
		return EXIT_READ_FAILURE
	}
	return EXIT_OK
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func printReading(w io.Writer, plan *Plan, reading domain.DeviceReading, debug bool) {
	fmt.Fprintf(w, "Host=%s Port=%d Unit=%d Profile=%s\n", plan.Address.Host, plan.Address.Port, plan.Address.UnitId, plan.Profile.Name)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range reading.Entries {
		name := e.Label
		if pt, ok := plan.Profile.Point(e.Label); ok && plan.Profile.Name != "adhoc" {
			name = pt.DisplayName()
		}
		if e.Error != "" {
			fmt.Fprintf(tw, "%s\tERROR\t%s\n", name, e.Error)
			continue
		}
		if debug {
			fmt.Fprintf(tw, "%s\t%s\traw=%s\n", name, e.Display, formatRaw(e.Raw))
		} else {
			fmt.Fprintf(tw, "%s\t%s\n", name, e.Display)
		}
	}
	tw.Flush()
}

func printProfiles(w io.Writer, registry *profile.Registry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range registry.Profiles() {
		labels := make([]string, len(p.Points))
		for i, pt := range p.Points {
			labels[i] = pt.Label
		}
		fmt.Fprintf(tw, "%s\tunit %d\t%s\t%s\n", p.Name, p.UnitId(), p.Description, strings.Join(labels, ","))
	}
	tw.Flush()
}

func formatRaw(raw []uint16) string {
	parts := make([]string, len(raw))
	for i, w := range raw {
		parts[i] = fmt.Sprintf("0x%04X", w)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
