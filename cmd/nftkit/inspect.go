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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/netfilterworks/nftkit/pkg/nft"
	"github.com/netfilterworks/nftkit/pkg/ruleset"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "show the live ruleset",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "family",
				Usage: "restrict to one address family (ip, ip6, inet, arp, bridge, netdev)",
			},
			&cli.StringFlag{
				Name:  "table",
				Usage: "restrict to one table name",
			},
		},
		Action: func(c *cli.Context) error {
			conn, err := dial(c)
			if err != nil {
				return err
			}
			defer conn.Close()

			snap, err := nft.List(c.Context, conn, ruleset.Family(c.String("family")))
			if err != nil {
				return err
			}
			if name := c.String("table"); name != "" {
				kept := snap.Tables[:0]
				for _, t := range snap.Tables {
					if t.Name == name {
						kept = append(kept, t)
					}
				}
				snap.Tables = kept
			}

			if c.Bool("json") {
				out, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, string(out))
				return nil
			}
			printSnapshot(c.App.Writer, snap)
			return nil
		},
	}
}

func printSnapshot(w io.Writer, snap *nft.Snapshot) {
	for _, t := range snap.Tables {
		fmt.Fprintf(w, "table %s %s\n", t.Family, t.Name)
		for _, ctr := range t.Counters {
			fmt.Fprintf(w, "  counter %s: %d packets, %d bytes\n", ctr.Name, ctr.Packets, ctr.Bytes)
		}
		for _, q := range t.Quotas {
			over := ""
			if q.Over {
				over = " (over)"
			}
			fmt.Fprintf(w, "  quota %s: %d of %d bytes%s\n", q.Name, q.Consumed, q.Bytes, over)
		}
		for _, s := range t.Sets {
			kind := s.KeyType
			if s.Interval {
				kind += ", interval"
			}
			fmt.Fprintf(w, "  set %s (%s): %d elements\n", s.Name, kind, s.Elements)
		}
		for _, ft := range t.Flowtables {
			fmt.Fprintf(w, "  flowtable %s: devices %s\n", ft.Name, strings.Join(ft.Devices, ", "))
		}
		for _, ch := range t.Chains {
			if ch.Base() {
				fmt.Fprintf(w, "  chain %s (%s %s priority %d): %d rules\n",
					ch.Name, ch.Type, ch.Hook, ch.Priority, len(ch.Rules))
			} else {
				fmt.Fprintf(w, "  chain %s: %d rules\n", ch.Name, len(ch.Rules))
			}
		}
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "translate a manifest to nft -j JSON",
		Flags: []cli.Flag{manifestFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := loadManifest(c)
			if err != nil {
				return err
			}
			doc, err := ruleset.Export(cfg)
			if err != nil {
				return err
			}
			out, err := doc.ToJSON()
			if err != nil {
				return fmt.Errorf("encoding nft JSON: %w", err)
			}
			fmt.Fprintln(c.App.Writer, string(out))
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "compare the live ruleset against a manifest",
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

			a := &nft.Applier{}
			diff, err := a.Verify(c.Context, conn, cfg)
			if err != nil {
				return err
			}
			if diff.InSync() {
				fmt.Fprintln(c.App.Writer, "in sync")
				return nil
			}
			fmt.Fprint(c.App.Writer, diff.String())
			return cli.Exit("", 1)
		},
	}
}
