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

const (
	ConfigDir  = ".go-fpd"
	ConfigFile = "config"
	StateFile  = "state.db"

	DefaultIP          = "127.0.0.1"
	DefaultLogLevel    = "info"
	DefaultDataPort    = 33501
	DefaultCommandPort = 33500
	DefaultApiPort     = 8003

	// Panel readout defaults: a 2048x2048 16-bit panel whose frames are
	// split into 8192-byte fragment payloads.
	DefaultWidth       = 2048
	DefaultHeight      = 2048
	DefaultBitDepth    = 16
	DefaultPayloadSize = 8192

	DefaultMaxInFlight = 8
	DefaultDeadlineMs  = 2000
	DefaultPoolSize    = 4

	// DefaultAuthKey is the development command-channel key. Real key
	// provisioning is outside this tool.
	DefaultAuthKey = "6670642d6465762d6b6579"
)
