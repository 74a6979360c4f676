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

package receiver

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/srv/receiver"
)

const (
	IPOptionName = "ip"
)

// NewCommand creates a command that runs the receiver: the data and
// command channel servers plus the REST API.
func NewCommand() *cobra.Command {
	var ip string
	cfg := config.NewDefaultConfig()
	cfg.Load()
	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Start the acquisition receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ip != "" {
				cfg.IP = ip
			}

			ctx := context.Background()
			recv, err := receiver.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer recv.Close()

			commandServer, err := receiver.NewCommandServer(ctx, cfg, recv.Panel(), recv.Stats())
			if err != nil {
				return err
			}
			apiServer := receiver.NewApiServer(ctx, cfg, recv)

			errChan := make(chan error, 1)
			go func() {
				errChan <- commandServer.Run()
			}()
			go func() {
				errChan <- apiServer.Run()
			}()
			go func() {
				errChan <- recv.Run()
			}()
			return <-errChan
		},
	}
	cmd.Flags().StringVar(&ip, IPOptionName, "", fmt.Sprintf("IP to bind. E.g. %s", config.DefaultIP))
	return cmd
}
