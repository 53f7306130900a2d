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
	"strings"

	"github.com/urfave/cli/v2"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"

	"github.com/netfilterworks/nftkit/pkg/compat"
	"github.com/netfilterworks/nftkit/pkg/netlinksafe"
	"github.com/netfilterworks/nftkit/pkg/trace"
)

func traceCommand() *cli.Command {
	return &cli.Command{
		Name:  "trace",
		Usage: "stream nftrace events (rules need the trace flag set)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "table",
				Usage: "only events from this table",
			},
			&cli.StringFlag{
				Name:  "chain",
				Usage: "only events from this chain",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "stop after `N` events (0 = run until interrupted)",
			},
		},
		Action: runTrace,
	}
}

func runTrace(c *cli.Context) error {
	if err := compat.Probe(compat.FeatureTraceEvents); err != nil {
		return err
	}

	var opts []trace.Option
	if t := c.String("table"); t != "" {
		opts = append(opts, trace.WithTable(t))
	}
	if ch := c.String("chain"); ch != "" {
		opts = append(opts, trace.WithChain(ch))
	}
	if path := c.String("netns"); path != "" {
		opts = append(opts, trace.WithNetNS(path))
	}

	m, err := trace.NewMonitor(c.Context, opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	names := interfaceNames(c.String("netns"))
	enc := json.NewEncoder(c.App.Writer)
	limit := c.Int("limit")
	seen := 0

	for {
		select {
		case <-c.Context.Done():
			return nil
		case ev, ok := <-m.Events():
			if !ok {
				return m.Err()
			}
			if c.Bool("json") {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(c.App.Writer, formatEvent(ev, names))
			}
			seen++
			if limit > 0 && seen >= limit {
				return nil
			}
		}
	}
}

// interfaceNames indexes the devices of the traced namespace so events
// can show names instead of bare ifindexes. Devices appearing later show
// as numbers.
func interfaceNames(nsPath string) map[uint32]string {
	links, err := listLinks(nsPath)
	if err != nil {
		logger.Debug("listing devices", zap.Error(err))
		return nil
	}
	names := make(map[uint32]string, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		names[uint32(attrs.Index)] = attrs.Name
	}
	return names
}

func listLinks(nsPath string) ([]netlink.Link, error) {
	if nsPath == "" {
		return netlinksafe.LinkList()
	}
	ns, err := netns.GetFromPath(nsPath)
	if err != nil {
		return nil, fmt.Errorf("opening netns %s: %w", nsPath, err)
	}
	defer ns.Close()
	h, err := netlinksafe.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("opening handle in %s: %w", nsPath, err)
	}
	defer h.Close()
	return h.LinkList()
}

var nfprotoNames = map[uint8]string{
	1:  "inet",
	2:  "ip",
	3:  "arp",
	5:  "netdev",
	7:  "bridge",
	10: "ip6",
}

func formatEvent(ev trace.Event, names map[uint32]string) string {
	if ev.Lost {
		return "trace events lost (socket buffer overrun)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "trace id %08x", ev.ID)
	if fam, ok := nfprotoNames[ev.Family]; ok {
		b.WriteString(" " + fam)
	}
	fmt.Fprintf(&b, " %s %s", ev.Table, ev.Chain)
	switch ev.Type {
	case "rule":
		fmt.Fprintf(&b, " rule handle %d", ev.RuleHandle)
	case "policy":
		b.WriteString(" policy")
	case "return":
		b.WriteString(" return")
	}
	if ev.Verdict != "" {
		b.WriteString(" " + ev.Verdict)
		if ev.VerdictChain != "" {
			b.WriteString(" -> " + ev.VerdictChain)
		}
	}
	if ev.IIF != 0 {
		fmt.Fprintf(&b, " iif %s", deviceName(names, ev.IIF))
	}
	if ev.OIF != 0 {
		fmt.Fprintf(&b, " oif %s", deviceName(names, ev.OIF))
	}
	if ev.Mark != 0 {
		fmt.Fprintf(&b, " mark 0x%08x", ev.Mark)
	}
	return b.String()
}

func deviceName(names map[uint32]string, index uint32) string {
	if name, ok := names[index]; ok {
		return name
	}
	return fmt.Sprintf("%d", index)
}
