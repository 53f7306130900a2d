// Copyright 2024 nftkit authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// nftkit-exporter serves nftables counter and quota values as Prometheus
// metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/netfilterworks/nftkit/pkg/nft"
)

var version = "devel"

func main() {
	app := &cli.App{
		Name:    "nftkit-exporter",
		Usage:   "Prometheus exporter for nftables counters and quotas",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen `ADDRESS` (ignored under socket activation)",
				Value: ":9630",
			},
			&cli.StringFlag{
				Name:  "netns",
				Usage: "scrape inside the network namespace mounted at `PATH`",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "cache refresh interval; 0 reads the kernel on every scrape",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log verbosity (debug, info, warn, error)",
				Value: "info",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nftkit-exporter: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var opts []nft.Option
	if path := c.String("netns"); path != "" {
		opts = append(opts, nft.WithNetNS(path))
	}
	conn, err := nft.System(opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	collector := newCollector(conn, logger)
	if interval := c.Duration("interval"); interval > 0 {
		go collector.refreshLoop(c.Context, interval)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return err
	}

	ln, err := listener(c.String("listen"))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-c.Context.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down", zap.Error(err))
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", zap.Error(err))
	} else if sent {
		logger.Debug("notified systemd")
	}

	logger.Info("serving metrics", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// listener prefers sockets inherited from systemd over the --listen flag.
func listener(addr string) (net.Listener, error) {
	inherited, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("reading activation sockets: %w", err)
	}
	if len(inherited) > 0 {
		return inherited[0], nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), lvl)
	return zap.New(core), nil
}
