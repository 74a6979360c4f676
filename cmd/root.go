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

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"detlab.org/xray/go-fpd/cmd/completion"
	"detlab.org/xray/go-fpd/cmd/config"
	"detlab.org/xray/go-fpd/cmd/receiver"
	"detlab.org/xray/go-fpd/cmd/replay"
	"detlab.org/xray/go-fpd/cmd/scan"
	pkgconfig "detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/log"
)

const (
	LogLevelOptionName = "log-level"
)

func NewRootCommand(out io.Writer) *cobra.Command {
	var logLevel string
	cfg := pkgconfig.NewDefaultConfig()
	cfg.Load()
	cmd := &cobra.Command{
		Use:   "go-fpd",
		Short: "Tool to work with flat-panel detector acquisition streams",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			log.Init(cmd.ErrOrStderr(), cfg.LogLevel)
		},
	}
	cmd.SetOut(out)
	cmd.AddCommand(config.NewCommand())
	cmd.AddCommand(receiver.NewCommand())
	cmd.AddCommand(replay.NewCommand())
	cmd.AddCommand(scan.NewCommand())
	cmd.AddCommand(scan.NewStatsCommand())
	cmd.AddCommand(completion.NewCommand())
	cmd.PersistentFlags().StringVar(&logLevel, LogLevelOptionName, "", fmt.Sprintf("Log level. %s", log.HelpLevels))
	return cmd
}
