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

// nftkit programs declarative nftables manifests into the kernel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/netfilterworks/nftkit/pkg/nft"
)

// Overridden at build time with -ldflags "-X main.version=...".
var version = "devel"

var logger = zap.NewNop()

func main() {
	args, err := argsWithEnvFlags(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nftkit: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// cli.Exit errors never come back; the library prints and exits.
	if err := newApp().RunContext(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "nftkit: %v\n", err)
		os.Exit(1)
	}
}

// argsWithEnvFlags splices flags from the NFTKIT_FLAGS environment
// variable in front of the command line, so deployments can set global
// flags without editing unit files.
func argsWithEnvFlags(argv []string) ([]string, error) {
	env := os.Getenv("NFTKIT_FLAGS")
	if env == "" {
		return argv, nil
	}
	extra, err := shellwords.Parse(env)
	if err != nil {
		return nil, fmt.Errorf("parsing NFTKIT_FLAGS: %w", err)
	}
	args := make([]string, 0, len(argv)+len(extra))
	args = append(args, argv[0])
	args = append(args, extra...)
	args = append(args, argv[1:]...)
	return args, nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "nftkit",
		Usage:   "declarative nftables configuration",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log verbosity (debug, info, warn, error)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "netns",
				Usage: "operate inside the network namespace mounted at `PATH`",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "emit JSON instead of text where applicable",
			},
		},
		Before: func(c *cli.Context) error {
			l, err := buildLogger(c.String("log-level"))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		After: func(*cli.Context) error {
			// Stderr sync failures are not actionable.
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			applyCommand(),
			destroyCommand(),
			renderCommand(),
			listCommand(),
			exportCommand(),
			verifyCommand(),
			traceCommand(),
			probeCommand(),
			{
				Name:  "version",
				Usage: "print the nftkit version",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "nftkit %s\n", version)
					return nil
				},
			},
		},
	}
}

// buildLogger writes console-encoded logs to stderr, keeping stdout free
// for command output.
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

// dial opens the kernel connection honoring the global --netns flag.
func dial(c *cli.Context) (*nft.SystemConn, error) {
	var opts []nft.Option
	if path := c.String("netns"); path != "" {
		opts = append(opts, nft.WithNetNS(path))
	}
	return nft.System(opts...)
}
