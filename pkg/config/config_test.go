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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameGeometry(t *testing.T) {
	cfg := NewDefaultConfig()
	require.Equal(t, 2048*2048*2, cfg.FrameBytes())
	require.Equal(t, 1024, cfg.TotalFragments())

	cfg.Panel = &PanelConfig{Width: 100, Height: 100, BitDepth: 12, PayloadSize: 4096}
	require.Equal(t, 100*100*2, cfg.FrameBytes(), "12-bit samples occupy two bytes")
	require.Equal(t, 5, cfg.TotalFragments())
}

func TestKeyDecoding(t *testing.T) {
	cfg := NewDefaultConfig()
	key, err := cfg.Key()
	require.NoError(t, err)
	require.Equal(t, []byte("fpd-dev-key"), key)

	cfg.AuthKey = "not hex"
	_, err = cfg.Key()
	require.Error(t, err)
}

func TestPersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.filepath = filepath.Join(dir, "config")
	cfg.LogLevel = "debug"
	cfg.Panel.Width = 1024

	require.NoError(t, cfg.Persist(false))
	require.ErrorAs(t, cfg.Persist(false), &ErrConfigFileExists{})
	require.NoError(t, cfg.Persist(true))

	loaded := NewDefaultConfig()
	loaded.filepath = cfg.filepath
	require.NoError(t, loaded.Load())
	require.Equal(t, "debug", loaded.LogLevel)
	require.Equal(t, 1024, loaded.Panel.Width)
	require.Equal(t, DefaultHeight, loaded.Panel.Height)
}
