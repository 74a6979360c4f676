/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package scan

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"detlab.org/xray/go-fpd/pkg/command"
	"detlab.org/xray/go-fpd/pkg/config"
)

const (
	ModeOptionName = "mode"
)

// NewCommand creates a command that drives the scan lifecycle through
// the receiver API.
func NewCommand() *cobra.Command {
	var mode string
	cfg := config.NewDefaultConfig()
	cfg.Load()
	cmd := &cobra.Command{
		Use:       "scan start|stop|status",
		Short:     "Start/stop a scan or show its status",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"start", "stop", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := command.NewApiClient(cfg)
			switch args[0] {
			case "start":
				status, err := apiClient.ScanStart(mode)
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			case "stop":
				status, err := apiClient.ScanStop()
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			case "status":
				status, err := apiClient.ScanStatus()
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			default:
				return errors.New("Wrong scan command. Must be one of start/stop/status")
			}
		},
	}
	cmd.Flags().StringVar(&mode, ModeOptionName, "single", "Scan mode. One of: single, continuous, calibration")
	return cmd
}

// NewStatsCommand creates a command that shows the pipeline counters of
// a running receiver.
func NewStatsCommand() *cobra.Command {
	cfg := config.NewDefaultConfig()
	cfg.Load()
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show receiver pipeline counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiClient := command.NewApiClient(cfg)
			snapshot, err := apiClient.Stats()
			if err != nil {
				return err
			}
			return printJSON(cmd, snapshot)
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
