/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command uvrrpctl is the operator-facing companion to uvrrpd: it writes
// commands to a running instance's control FIFO and, for status, renders
// its last logged state dump as a table.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	vridFlag   uint8
	rundirFlag string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uvrrpctl",
		Short: "control a running uvrrpd instance",
	}
	cmd.PersistentFlags().Uint8VarP(&vridFlag, "vrid", "v", 0, "virtual router ID of the target instance")
	cmd.PersistentFlags().StringVar(&rundirFlag, "rundir", "/var/run", "directory holding the control FIFO and log file")
	_ = cmd.MarkPersistentFlagRequired("vrid")

	cmd.AddCommand(
		newSendCmd("stop", "ask the instance to shut down gracefully"),
		newSendCmd("reload", "ask the instance to reload and re-enter its election"),
		newStatusCmd(),
		newPrioCmd(),
	)
	return cmd
}

func ctrlFifoPath() string {
	return fmt.Sprintf("%s/uvrrpd_ctrl.%d", rundirFlag, vridFlag)
}

func logFilePath() string {
	return fmt.Sprintf("%s/uvrrpd.%d.log", rundirFlag, vridFlag)
}

func sendCommand(line string) error {
	f, err := os.OpenFile(ctrlFifoPath(), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("uvrrpctl: opening control FIFO: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("uvrrpctl: writing to control FIFO: %w", err)
	}
	return nil
}

func newSendCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return sendCommand(name)
		},
	}
}

func newPrioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prio <priority>",
		Short: "set the instance's configured priority (1-255)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			v, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("uvrrpctl: invalid priority %q: %w", args[0], err)
			}
			return sendCommand(fmt.Sprintf("prio %d", v))
		},
	}
}

// stateDump mirrors the fields vrrp/daemon.dumpState logs, in the same
// JSON shape logrus.JSONFormatter produces.
type stateDump struct {
	State    string   `json:"state"`
	Priority uint8    `json:"priority"`
	VRID     uint8    `json:"vrid"`
	Iface    string   `json:"iface"`
	VIPs     []string `json:"vips"`
	Msg      string   `json:"msg"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the instance's last known state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := sendCommand("status"); err != nil {
				return err
			}
			dump, err := lastStateDump(logFilePath())
			if err != nil {
				return err
			}
			renderStatus(dump)
			return nil
		},
	}
}

// lastStateDump scans path for the most recent "state dump" log line,
// since the control FIFO is write-only and the daemon has no other
// synchronous reply channel.
func lastStateDump(path string) (stateDump, error) {
	f, err := os.Open(path)
	if err != nil {
		return stateDump{}, fmt.Errorf("uvrrpctl: opening log file %s: %w", path, err)
	}
	defer f.Close()

	var last stateDump
	found := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var d stateDump
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		if d.Msg == "state dump" {
			last = d
			found = true
		}
	}
	if err := sc.Err(); err != nil {
		return stateDump{}, fmt.Errorf("uvrrpctl: reading log file: %w", err)
	}
	if !found {
		return stateDump{}, fmt.Errorf("uvrrpctl: no state dump found in %s yet; try `uvrrpctl status` again after the instance logs one", path)
	}
	return last, nil
}

func renderStatus(d stateDump) {
	stateColor := color.New(color.FgRed)
	switch d.State {
	case "master":
		stateColor = color.New(color.FgGreen)
	case "backup":
		stateColor = color.New(color.FgYellow)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"vrid", "interface", "state", "priority", "vips"})
	table.Append([]string{
		strconv.Itoa(int(d.VRID)),
		d.Iface,
		stateColor.Sprint(d.State),
		strconv.Itoa(int(d.Priority)),
		fmt.Sprint(d.VIPs),
	})
	table.Render()
}
