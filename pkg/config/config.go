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

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// PanelConfig holds the cold panel readout parameters. Changing them
// requires a stopped scan.
type PanelConfig struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	BitDepth    int `json:"bit_depth"`
	PayloadSize int `json:"payload_size"`
}

type ReassemblyConfig struct {
	MaxInFlight int `json:"max_in_flight"`
	DeadlineMs  int `json:"deadline_ms"`
}

type PoolConfig struct {
	Size int `json:"size"`
}

type Config struct {
	IP          string `json:"ip,omitempty"`
	DataPort    int    `json:"data_port,omitempty"`
	CommandPort int    `json:"command_port,omitempty"`
	ApiPort     int    `json:"api_port,omitempty"`
	// LogLevel is a hot parameter, adjustable at runtime through the API
	LogLevel string `json:"log_level,omitempty"`
	DBPath   string `json:"db_path,omitempty"`
	// AuthKey is the hex-encoded command-channel key
	AuthKey string `json:"auth_key,omitempty"`

	Panel      *PanelConfig      `json:"panel,omitempty"`
	Reassembly *ReassemblyConfig `json:"reassembly,omitempty"`
	Pool       *PoolConfig       `json:"pool,omitempty"`

	filepath string
}

// FrameBytes returns the size of one frame buffer in bytes.
func (c *Config) FrameBytes() int {
	return c.Panel.Width * c.Panel.Height * ((c.Panel.BitDepth + 7) / 8)
}

// TotalFragments returns the number of fragments one frame is split into.
func (c *Config) TotalFragments() int {
	return (c.FrameBytes() + c.Panel.PayloadSize - 1) / c.Panel.PayloadSize
}

// Key returns the decoded command-channel key.
func (c *Config) Key() ([]byte, error) {
	key, err := hex.DecodeString(c.AuthKey)
	if err != nil {
		return nil, fmt.Errorf("wrong auth key, must be hex encoded: %w", err)
	}
	return key, nil
}

func (c *Config) Persist(overwrite bool) error {
	if _, err := os.Stat(c.filepath); err == nil && !overwrite {
		return ErrConfigFileExists{Path: c.filepath}
	}

	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.filepath)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filepath, data, 0644)
}

func (c *Config) Load() error {
	data, err := os.ReadFile(c.filepath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return filepath.Join(home, ConfigDir, ConfigFile)
}

func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return filepath.Join(home, ConfigDir, StateFile)
}

func NewDefaultConfig() *Config {
	return &Config{
		IP:          DefaultIP,
		DataPort:    DefaultDataPort,
		CommandPort: DefaultCommandPort,
		ApiPort:     DefaultApiPort,
		LogLevel:    DefaultLogLevel,
		DBPath:      DefaultStatePath(),
		AuthKey:     DefaultAuthKey,
		Panel: &PanelConfig{
			Width:       DefaultWidth,
			Height:      DefaultHeight,
			BitDepth:    DefaultBitDepth,
			PayloadSize: DefaultPayloadSize,
		},
		Reassembly: &ReassemblyConfig{
			MaxInFlight: DefaultMaxInFlight,
			DeadlineMs:  DefaultDeadlineMs,
		},
		Pool: &PoolConfig{
			Size: DefaultPoolSize,
		},
		filepath: DefaultConfigPath(),
	}
}
