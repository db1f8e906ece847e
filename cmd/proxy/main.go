package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/iTrooz/strategy-cache-proxy/internal/config"
	"github.com/iTrooz/strategy-cache-proxy/internal/proxy"
)

type options struct {
	configPath string
	verbose    bool
	dumpConfig bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("proxy", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration file")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	fs.BoolVar(&opts.dumpConfig, "dump-config", false, "print the effective configuration and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	// the config path may also be given as the first positional argument
	if fs.NArg() > 0 {
		opts.configPath = fs.Arg(0)
	}
	return opts, nil
}

func setupLogging(cfg *config.Config, verbose bool) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
		return nil
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	return nil
}

func dumpConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := setupLogging(cfg, opts.verbose); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	if opts.dumpConfig {
		if err := dumpConfig(os.Stdout, cfg); err != nil {
			logrus.Fatalf("%v", err)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	server, err := proxy.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logrus.Errorf("Failed to close cache store: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logrus.Errorf("Server failed: %v", err)
		stop()
		_ = server.Close()
		os.Exit(1)
	}
}
