package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/berfenger/soc2mqtt/internal/profile"
	"github.com/berfenger/soc2mqtt/internal/simulator"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	listen := pflag.String("listen", "127.0.0.1:5020", "address to serve Modbus TCP on")
	profileName := pflag.String("profile", "foxess", "profile whose points are served")
	profilesFile := pflag.String("profiles-file", "", "YAML file with extra device profiles")
	unit := pflag.Uint8("unit", 0, "only answer this unit id; 0 answers every unit")
	values := pflag.StringArray("set", nil, "point value as label=value, repeatable")
	delay := pflag.Duration("delay", 0, "delay every answer")
	debug := pflag.Bool("debug", false, "debug logging")
	pflag.Parse()

	logCfg := zap.NewDevelopmentConfig()
	if !*debug {
		logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger := zap.Must(logCfg.Build())
	defer logger.Sync()

	registry, err := profile.LoadRegistry(*profilesFile)
	if err != nil {
		logger.Fatal("could not load profiles", zap.Error(err))
	}
	p, err := registry.Lookup(*profileName)
	if err != nil {
		logger.Fatal("unknown profile", zap.Error(err))
	}
	seed, err := parseValues(*values)
	if err != nil {
		logger.Fatal("invalid --set", zap.Error(err))
	}

	sim := simulator.New(logger)
	sim.UnitId = *unit
	sim.SetDelay(*delay)
	if err := sim.Seed(p, seed); err != nil {
		logger.Fatal("could not seed registers", zap.Error(err))
	}
	if err := sim.Start(*listen); err != nil {
		logger.Fatal("could not start simulator", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if err := sim.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func parseValues(sets []string) (map[string]float64, error) {
	values := make(map[string]float64, len(sets))
	for _, s := range sets {
		label, raw, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("%q is not label=value", s)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		values[strings.TrimSpace(label)] = v
	}
	return values, nil
}
