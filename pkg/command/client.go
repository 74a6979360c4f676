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

// Package command implements the client side of the receiver REST API.
package command

import (
	"errors"
	"fmt"

	"github.com/imroc/req"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/srv/receiver"
	"detlab.org/xray/go-fpd/pkg/stats"
)

type ApiClient struct {
	*config.Config
	ApiPrefix string
}

func NewApiClient(cfg *config.Config) *ApiClient {
	return &ApiClient{
		Config:    cfg,
		ApiPrefix: fmt.Sprintf("http://%s:%d/api", cfg.IP, cfg.ApiPort),
	}
}

// ScanStart sends request to start a scan in the given mode
func (c *ApiClient) ScanStart(mode string) (*receiver.ScanStatus, error) {
	r, err := req.Get(fmt.Sprintf("%s/scan/start/%s", c.ApiPrefix, mode))
	if err != nil {
		return nil, err
	}
	return toStatus(r)
}

// ScanStop sends request to stop the active scan
func (c *ApiClient) ScanStop() (*receiver.ScanStatus, error) {
	r, err := req.Get(fmt.Sprintf("%s/scan/stop", c.ApiPrefix))
	if err != nil {
		return nil, err
	}
	return toStatus(r)
}

// ScanStatus sends request to get the scan status
func (c *ApiClient) ScanStatus() (*receiver.ScanStatus, error) {
	r, err := req.Get(fmt.Sprintf("%s/scan/status", c.ApiPrefix))
	if err != nil {
		return nil, err
	}
	return toStatus(r)
}

// Stats sends request to get the pipeline counters
func (c *ApiClient) Stats() (*stats.Snapshot, error) {
	r, err := req.Get(fmt.Sprintf("%s/stats", c.ApiPrefix))
	if err != nil {
		return nil, err
	}
	if r.Response().StatusCode != 200 {
		return nil, errors.New(r.Response().Status)
	}
	snapshot := &stats.Snapshot{}
	if err = r.ToJSON(snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Counters sends request to get the cumulative scan counters
func (c *ApiClient) Counters() (map[string]uint64, error) {
	r, err := req.Get(fmt.Sprintf("%s/counters", c.ApiPrefix))
	if err != nil {
		return nil, err
	}
	if r.Response().StatusCode != 200 {
		return nil, errors.New(r.Response().Status)
	}
	counters := make(map[string]uint64)
	if err = r.ToJSON(&counters); err != nil {
		return nil, err
	}
	return counters, nil
}

// SetLogLevel sends request to set the receiver log level at runtime
func (c *ApiClient) SetLogLevel(level string) error {
	body := &receiver.LogLevel{Level: level}
	r, err := req.Post(fmt.Sprintf("%s/config/loglevel", c.ApiPrefix), req.BodyJSON(body))
	if err != nil {
		return err
	}
	if r.Response().StatusCode != 200 {
		return errors.New(r.Response().Status)
	}
	return nil
}

// Persist sends request to direct the frame stream to a new output file
func (c *ApiClient) Persist(dirPath, filePrefix string) error {
	persist := &receiver.Persist{
		Dir:        dirPath,
		FilePrefix: filePrefix,
	}
	r, err := req.Post(fmt.Sprintf("%s/persist", c.ApiPrefix), req.BodyJSON(persist))
	if err != nil {
		return err
	}
	if r.Response().StatusCode != 200 {
		return errors.New(r.Response().Status)
	}
	return nil
}

// Flush sends request to flush and close the frame stream output file
func (c *ApiClient) Flush() error {
	r, err := req.Get(fmt.Sprintf("%s/flush", c.ApiPrefix))
	if err != nil {
		return err
	}
	if r.Response().StatusCode != 200 {
		return errors.New(r.Response().Status)
	}
	return nil
}

func toStatus(r *req.Resp) (*receiver.ScanStatus, error) {
	if r.Response().StatusCode != 200 {
		return nil, errors.New(r.Response().Status)
	}
	status := &receiver.ScanStatus{}
	if err := r.ToJSON(status); err != nil {
		return nil, err
	}
	return status, nil
}
