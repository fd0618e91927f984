// Package config resolves the command line and an optional YAML file into a
// validated radio.Config, the way kiwi_wspr's flag handling and the main
// ubersdr service's YAML routing file are combined elsewhere in the parent
// project: pflag owns the surface, an optional file supplies defaults that
// flags can still override.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ka9q/hpsdremu/internal/radio"
)

// fileDefaults is the shape of the optional YAML config file. Every field
// is optional; a flag the user actually passed always wins over the file.
type fileDefaults struct {
	Radio      string  `yaml:"radio"`
	MAC        string  `yaml:"mac"`
	FreqHz     uint32  `yaml:"freq_hz"`
	NoiseLevel float64 `yaml:"noise"`
	Echo       bool    `yaml:"echo"`
	Verbose    bool    `yaml:"verbose"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Resolved is everything main needs to build the engine and start serving.
type Resolved struct {
	Protocol    int
	Radio       radio.Config
	InitialFreq uint32
	Verbose     bool
	MetricsAddr string
}

// Load parses argv, merges in an optional --config YAML file, validates the
// result, and returns it. Any failure here is a ConfigError and is fatal at
// startup per the error handling design.
func Load(argv []string) (Resolved, error) {
	fs := pflag.NewFlagSet("hpsdremu", pflag.ContinueOnError)

	protocol := fs.Int("protocol", 0, "HPSDR protocol version to speak (1 or 2)")
	radioKind := fs.String("radio", "hermes", "emulated hardware: atlas|hermes|hermes2|angelia|orion|orion2|hermeslite|saturn|saturn2")
	macStr := fs.String("mac", "00:1C:C0:A2:00:19", "MAC address placed in discovery replies")
	freqHz := fs.Uint32("freq", 7100000, "initial TX/RX frequency in Hz")
	noise := fs.Float64("noise", 3e-6, "synthetic receive noise standard deviation")
	echo := fs.Bool("echo", false, "enable the TX-to-RX diagnostic loopback")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	configFile := fs.String("config", "", "optional YAML file supplying defaults for the flags above")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")

	if err := fs.Parse(argv); err != nil {
		return Resolved{}, fmt.Errorf("config: %w", err)
	}

	if *configFile != "" {
		if err := applyFile(fs, *configFile, radioKind, macStr, freqHz, noise, echo, verbose, metricsAddr); err != nil {
			return Resolved{}, err
		}
	}

	if *protocol != 1 && *protocol != 2 {
		return Resolved{}, fmt.Errorf("config: --protocol must be 1 or 2, got %d", *protocol)
	}

	hw, err := radio.ParseKind(*radioKind)
	if err != nil {
		return Resolved{}, fmt.Errorf("config: %w", err)
	}

	mac, err := net.ParseMAC(*macStr)
	if err != nil {
		return Resolved{}, fmt.Errorf("config: invalid --mac %q: %w", *macStr, err)
	}

	cfg := radio.Config{
		HW:          hw,
		MAC:         mac,
		ToneHz:      1000,
		NoiseLevel:  *noise,
		EchoEnabled: *echo,
	}
	if err := cfg.Validate(*protocol); err != nil {
		return Resolved{}, err
	}

	return Resolved{
		Protocol:    *protocol,
		Radio:       cfg,
		InitialFreq: *freqHz,
		Verbose:     *verbose,
		MetricsAddr: *metricsAddr,
	}, nil
}

// applyFile loads defaults from path and assigns them into any flag the user
// did not explicitly set on the command line. fs.Changed is the mechanism
// that lets CLI flags win even though the file is applied after Parse.
func applyFile(fs *pflag.FlagSet, path string, radioKind, macStr *string, freqHz *uint32, noise *float64, echo, verbose *bool, metricsAddr *string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fd fileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if !fs.Changed("radio") && fd.Radio != "" {
		*radioKind = fd.Radio
	}
	if !fs.Changed("mac") && fd.MAC != "" {
		*macStr = fd.MAC
	}
	if !fs.Changed("freq") && fd.FreqHz != 0 {
		*freqHz = fd.FreqHz
	}
	if !fs.Changed("noise") && fd.NoiseLevel != 0 {
		*noise = fd.NoiseLevel
	}
	if !fs.Changed("echo") && fd.Echo {
		*echo = fd.Echo
	}
	if !fs.Changed("verbose") && fd.Verbose {
		*verbose = fd.Verbose
	}
	if !fs.Changed("metrics-addr") && fd.MetricsAddr != "" {
		*metricsAddr = fd.MetricsAddr
	}
	return nil
}
