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

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/sequence"
	"detlab.org/xray/go-fpd/pkg/srv/receiver"
)

const (
	OutOptionName  = "out"
	ModeOptionName = "mode"
)

// NewCommand creates a command that replays a recorded fragment stream
// through the receive pipeline without opening any sockets.
func NewCommand() *cobra.Command {
	var out, mode string
	cfg := config.NewDefaultConfig()
	cfg.Load()
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Replay a recorded fragment stream through the receive pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedMode, err := sequence.ParseMode(mode)
			if err != nil {
				return err
			}

			summary, err := receiver.Replay(context.Background(), cfg, parsedMode, args[0], out)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(summary); err != nil {
				return err
			}
			if summary.Exhausted {
				return errors.New("buffer pool exhausted during replay")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, OutOptionName, "frames.data", "Output file for the reassembled frame stream")
	cmd.Flags().StringVar(&mode, ModeOptionName, "continuous",
		fmt.Sprintf("Scan mode to replay in. One of: %s, %s, %s",
			sequence.SingleMode, sequence.ContinuousMode, sequence.CalibrationMode))
	return cmd
}
