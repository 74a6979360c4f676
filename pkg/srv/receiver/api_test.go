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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/stats"
)

func testApi(t *testing.T) (*Receiver, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	recv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(recv.Close)

	api := NewApiServer(context.Background(), cfg, recv)
	api.configureRouter()
	server := httptest.NewServer(api.Router)
	t.Cleanup(server.Close)
	return recv, server
}

func getJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestApiScanLifecycle(t *testing.T) {
	recv, server := testApi(t)

	status := &ScanStatus{}
	resp := getJSON(t, server.URL+"/api/scan/status", status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "idle", status.State)

	resp = getJSON(t, server.URL+"/api/scan/start/continuous", status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "scanning", status.State)
	require.Equal(t, "continuous", status.Mode)

	// Starting again while active is rejected.
	resp = getJSON(t, server.URL+"/api/scan/start/single", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = getJSON(t, server.URL+"/api/scan/stop", status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "idle", status.State)
	require.Equal(t, "idle", recv.Engine().State().String())
}

func TestApiScanStartBadMode(t *testing.T) {
	_, server := testApi(t)
	resp := getJSON(t, server.URL+"/api/scan/start/burst", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApiStats(t *testing.T) {
	recv, server := testApi(t)
	recv.Stats().ChecksumErrors.Add(2)

	snapshot := &stats.Snapshot{}
	resp := getJSON(t, server.URL+"/api/stats", snapshot)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint64(2), snapshot.ChecksumErrors)
}

func TestApiLogLevel(t *testing.T) {
	_, server := testApi(t)
	defer log.SetLevel("info")

	body, _ := json.Marshal(LogLevel{Level: "debug"})
	resp, err := http.Post(server.URL+"/api/config/loglevel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "debug", log.Level())

	body, _ = json.Marshal(LogLevel{Level: "loud"})
	resp, err = http.Post(server.URL+"/api/config/loglevel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
