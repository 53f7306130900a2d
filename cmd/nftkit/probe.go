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
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/netfilterworks/nftkit/pkg/compat"
	"github.com/netfilterworks/nftkit/pkg/link"
)

// probeReport is the machine-readable shape of nftkit probe.
type probeReport struct {
	Kernel   string          `json:"kernel"`
	Features []featureStatus `json:"features"`
	NFTables bool            `json:"nftables"`
	IPTables bool            `json:"iptables"`
	Offload  *offloadStatus  `json:"offload,omitempty"`
}

type featureStatus struct {
	Name      string `json:"name"`
	MinKernel string `json:"min_kernel"`
	OK        bool   `json:"ok"`
}

type offloadStatus struct {
	Device string `json:"device"`
	OK     bool   `json:"ok"`
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "report what the running kernel supports",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "offload",
				Usage: "also check `DEVICE` for hardware flow offload",
			},
		},
		Action: runProbe,
	}
}

func runProbe(c *cli.Context) error {
	have, err := compat.KernelVersion()
	if err != nil {
		return err
	}
	caps, err := compat.Capabilities()
	if err != nil {
		return err
	}

	report := probeReport{
		Kernel:   have.String(),
		NFTables: compat.SupportsNFTables(),
		IPTables: compat.SupportsIPTables(),
	}
	baselineOK := false
	for _, s := range caps {
		report.Features = append(report.Features, featureStatus{
			Name:      string(s.Feature),
			MinKernel: s.Min.String(),
			OK:        s.OK,
		})
		if s.Feature == compat.FeatureBaseline {
			baselineOK = s.OK
		}
	}
	if dev := c.String("offload"); dev != "" {
		ok, err := link.CanOffload(dev)
		if err != nil {
			return err
		}
		report.Offload = &offloadStatus{Device: dev, OK: ok}
	}

	if c.Bool("json") {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(out))
	} else {
		printProbeReport(c, report)
	}

	if !baselineOK {
		return cli.Exit("kernel lacks baseline nftables support", 2)
	}
	return nil
}

func printProbeReport(c *cli.Context, report probeReport) {
	fmt.Fprintf(c.App.Writer, "kernel %s\n\n", report.Kernel)

	tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tSINCE\tSTATUS")
	for _, f := range report.Features {
		status := "ok"
		if !f.OK {
			status = "missing"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.MinKernel, status)
	}
	tw.Flush()

	fmt.Fprintf(c.App.Writer, "\nnftables backend: %s\n", yesNo(report.NFTables))
	fmt.Fprintf(c.App.Writer, "iptables present: %s\n", yesNo(report.IPTables))
	if report.IPTables {
		fmt.Fprintln(c.App.Writer, "note: legacy iptables rules coexist with nftables and are evaluated separately")
	}
	if report.Offload != nil {
		fmt.Fprintf(c.App.Writer, "hardware offload on %s: %s\n", report.Offload.Device, yesNo(report.Offload.OK))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
