// Package config builds the mlat-client CLI surface with urfave/cli/v3,
// grouping flags by category for the command's help output, and validates
// the receiver-position/port/percentage arguments the way the original
// Python client validates them.
package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
)

const (
	metresPerFoot = 0.3048

	defaultInputPort  = 30005
	defaultOutputHost = "mlat.mutability.co.uk"
	defaultOutputPort = 40147
)

// Config is the fully validated set of parameters the coordinator needs.
type Config struct {
	Lat float64
	Lon float64
	// AltFeet is the receiver's altitude in feet, normalised from whatever
	// unit the --alt flag was given in.
	AltFeet float64
	User    string

	InputHost string
	InputPort int

	OutputHost string
	OutputPort int

	NoCompression     bool
	RandomDropPercent float64

	MetricsListen   string
	TracingEndpoint string
	Debug           bool
}

// BuildCommand returns the CLI command; action is invoked with a validated
// Config once flags parse successfully.
func BuildCommand(action func(ctx context.Context, cfg *Config) error) *cli.Command {
	return &cli.Command{
		Name:  "mlat-client",
		Usage: "feed a Mode S / ADS-B receiver into a multilateration server",
		Flags: []cli.Flag{
			&cli.FloatFlag{
				Category: "position",
				Name:     "lat",
				Usage:    "receiver latitude in degrees, -90..90",
				Required: true,
			},
			&cli.FloatFlag{
				Category: "position",
				Name:     "lon",
				Usage:    "receiver longitude in degrees, -180..360 (>180 wraps)",
				Required: true,
			},
			&cli.StringFlag{
				Category: "position",
				Name:     "alt",
				Usage:    "receiver altitude, e.g. '50', '50m', or '200ft' (-420m..5100m)",
				Required: true,
			},
			&cli.StringFlag{
				Category: "identity",
				Name:     "user",
				Usage:    "user identifier string forwarded to the server in the handshake",
				Required: true,
			},
			&cli.StringFlag{
				Category: "receiver",
				Name:     "input-host",
				Usage:    "host of the Beast-format receiver feed",
				Required: true,
			},
			&cli.IntFlag{
				Category: "receiver",
				Name:     "input-port",
				Value:    defaultInputPort,
				Usage:    "port of the Beast-format receiver feed",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "output-host",
				Value:    defaultOutputHost,
				Usage:    "MLAT server host",
			},
			&cli.IntFlag{
				Category: "server",
				Name:     "output-port",
				Value:    defaultOutputPort,
				Usage:    "MLAT server port",
			},
			&cli.BoolFlag{
				Category: "server",
				Name:     "no-compression",
				Usage:    "do not offer zlib-compressed uplink during the handshake",
			},
			&cli.FloatFlag{
				Category: "server",
				Name:     "random-drop",
				Usage:    "randomly drop this percentage of received messages, 0..100",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "metrics-listen",
				Value:    ":9090",
				Usage:    "address for the /metrics and /healthz HTTP server",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "tracing-endpoint",
				Usage:    "OpenTelemetry collector endpoint for traces; empty disables tracing",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Usage:    "enable verbose per-message logging",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := fromCommand(cmd)
			if err != nil {
				return err
			}
			return action(ctx, cfg)
		},
	}
}

func fromCommand(cmd *cli.Command) (*Config, error) {
	lat, err := validateLatitude(cmd.Float64("lat"))
	if err != nil {
		return nil, err
	}
	lon, err := validateLongitude(cmd.Float64("lon"))
	if err != nil {
		return nil, err
	}
	altFeet, err := parseAltitude(cmd.String("alt"))
	if err != nil {
		return nil, err
	}
	inputPort, err := validatePort(cmd.Int("input-port"))
	if err != nil {
		return nil, err
	}
	outputPort, err := validatePort(cmd.Int("output-port"))
	if err != nil {
		return nil, err
	}
	dropPercent, err := validatePercentage(cmd.Float64("random-drop"))
	if err != nil {
		return nil, err
	}

	user := strings.TrimSpace(cmd.String("user"))
	if user == "" {
		return nil, fmt.Errorf("--user must not be empty")
	}
	inputHost := strings.TrimSpace(cmd.String("input-host"))
	if inputHost == "" {
		return nil, fmt.Errorf("--input-host is required")
	}

	return &Config{
		Lat:               lat,
		Lon:               lon,
		AltFeet:           altFeet,
		User:              user,
		InputHost:         inputHost,
		InputPort:         inputPort,
		OutputHost:        cmd.String("output-host"),
		OutputPort:        outputPort,
		NoCompression:     cmd.Bool("no-compression"),
		RandomDropPercent: dropPercent,
		MetricsListen:     cmd.String("metrics-listen"),
		TracingEndpoint:   cmd.String("tracing-endpoint"),
		Debug:             cmd.Bool("debug"),
	}, nil
}

func validateLatitude(v float64) (float64, error) {
	if v < -90 || v > 90 {
		return 0, fmt.Errorf("latitude %g out of range [-90, 90]", v)
	}
	return v, nil
}

func validateLongitude(v float64) (float64, error) {
	if v < -180 || v > 360 {
		return 0, fmt.Errorf("longitude %g out of range [-180, 360]", v)
	}
	if v > 180 {
		v -= 360
	}
	return v, nil
}

// parseAltitude accepts a bare number (assumed metres), a "...m" suffix, or
// a "...ft" suffix, validates the metric-altitude range [-420m, 5100m], and
// returns the value normalised to feet.
func parseAltitude(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var metres float64
	switch {
	case strings.HasSuffix(s, "ft"):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "ft")), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid altitude %q: %w", s, err)
		}
		metres = v * metresPerFoot
	case strings.HasSuffix(s, "m"):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "m")), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid altitude %q: %w", s, err)
		}
		metres = v
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid altitude %q: %w", s, err)
		}
		metres = v
	}
	if metres < -420 || metres > 5100 {
		return 0, fmt.Errorf("altitude %gm out of range [-420m, 5100m]", metres)
	}
	return metres / metresPerFoot, nil
}

func validatePort(v int) (int, error) {
	if v < 1 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range [1, 65535]", v)
	}
	return v, nil
}

func validatePercentage(v float64) (float64, error) {
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("random-drop %g out of range [0, 100]", v)
	}
	return v, nil
}
