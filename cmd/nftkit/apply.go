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

package main

import (
	"fmt"

	filemutex "github.com/alexflint/go-filemutex"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/netfilterworks/nftkit/pkg/compat"
	"github.com/netfilterworks/nftkit/pkg/firewalld"
	"github.com/netfilterworks/nftkit/pkg/gen"
	"github.com/netfilterworks/nftkit/pkg/link"
	"github.com/netfilterworks/nftkit/pkg/nft"
	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

const lockPath = "/run/nftkit.lock"

func manifestFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "manifest `PATH`",
		Required: true,
	}
}

func loadManifest(c *cli.Context) (*ruleset.Config, error) {
	cfg, err := ruleset.LoadFile(c.String("file"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:  "apply",
		Usage: "program a manifest into the kernel",
		Flags: []cli.Flag{
			manifestFlag(),
			&cli.BoolFlag{
				Name:  "prune",
				Usage: "remove owned entities the manifest no longer declares",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "render the resulting ruleset without touching the kernel",
			},
		},
		Action: runApply,
	}
}

func runApply(c *cli.Context) error {
	cfg, err := loadManifest(c)
	if err != nil {
		return err
	}

	if c.Bool("dry-run") {
		a := &nft.Applier{}
		fake := nft.NewFake()
		if err := a.Apply(c.Context, fake, cfg); err != nil {
			return err
		}
		fmt.Fprint(c.App.Writer, fake.Dump())
		return nil
	}

	if err := link.ValidateConfig(cfg); err != nil {
		return err
	}

	// One writer at a time; concurrent applies would race the
	// read-compare-write in Prune and Verify.
	mutex, err := filemutex.New(lockPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", lockPath, err)
	}
	if err := mutex.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", lockPath, err)
	}
	defer func() {
		if err := mutex.Unlock(); err != nil {
			logger.Warn("releasing lock", zap.Error(err))
		}
	}()

	warnIfFirewalldRuns()

	conn, err := dial(c)
	if err != nil {
		return err
	}
	defer conn.Close()

	a := &nft.Applier{Gate: compat.Probe}
	if err := a.Apply(c.Context, conn, cfg); err != nil {
		return err
	}
	if c.Bool("prune") {
		if err := a.Prune(c.Context, conn, cfg); err != nil {
			return err
		}
	}

	logApplied(cfg)
	return nil
}

// warnIfFirewalldRuns points at the most common cause of rules silently
// disappearing: firewalld reloading its own ruleset over ours.
func warnIfFirewalldRuns() {
	running, err := firewalld.Detect()
	if err != nil {
		logger.Debug("firewalld detection skipped", zap.Error(err))
		return
	}
	if running {
		logger.Warn("firewalld is running; it may flush or reorder nftables state it does not own")
	}
}

// logApplied reports success together with the ruleset generation the
// kernel assigned, when the kernel is new enough to say.
func logApplied(cfg *ruleset.Config) {
	fields := []zap.Field{zap.Int("tables", len(cfg.Tables))}
	if g, err := gen.Query(); err == nil {
		fields = append(fields, zap.Uint32("generation", g.ID))
	}
	logger.Info("ruleset applied", fields...)
}

func destroyCommand() *cli.Command {
	return &cli.Command{
		Name:  "destroy",
		Usage: "delete every table a manifest declares",
		Flags: []cli.Flag{manifestFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := loadManifest(c)
			if err != nil {
				return err
			}
			conn, err := dial(c)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := nft.Destroy(c.Context, conn, cfg); err != nil {
				return err
			}
			logger.Info("ruleset destroyed", zap.Int("tables", len(cfg.Tables)))
			return nil
		},
	}
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "validate a manifest and print the ruleset it would program",
		Flags: []cli.Flag{manifestFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := loadManifest(c)
			if err != nil {
				return err
			}
			a := &nft.Applier{}
			fake := nft.NewFake()
			if err := a.Apply(c.Context, fake, cfg); err != nil {
				return err
			}
			fmt.Fprint(c.App.Writer, fake.Dump())
			return nil
		},
	}
}
