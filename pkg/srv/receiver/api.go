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
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"detlab.org/xray/go-fpd/pkg/config"
	"detlab.org/xray/go-fpd/pkg/log"
	"detlab.org/xray/go-fpd/pkg/sequence"
)

// ScanStatus is the body of a scan status response.
type ScanStatus struct {
	State    string   `json:"state"`
	Mode     string   `json:"mode"`
	Retries  int      `json:"retries"`
	InFlight int      `json:"in_flight"`
	Ready    []uint32 `json:"ready"`
}

// Persist is the body of a persist request.
type Persist struct {
	Dir        string `json:"dir"`
	FilePrefix string `json:"file_prefix"`
}

// LogLevel is the body of a log level request or response.
type LogLevel struct {
	Level string `json:"level"`
}

type ApiServer struct {
	context.Context
	*config.Config
	*mux.Router
	recv *Receiver
}

func NewApiServer(ctx context.Context, cfg *config.Config, recv *Receiver) *ApiServer {
	log.Info("Initializing API server with address: %s port: %d", cfg.IP, cfg.ApiPort)
	return &ApiServer{
		Context: ctx,
		Config:  cfg,
		recv:    recv,
	}
}

func (s *ApiServer) Run() error {
	log.Debug("Starting API server: address: %s port: %d", s.Config.IP, s.Config.ApiPort)
	s.configureRouter()
	httpServer := &http.Server{
		Handler: s.Router,
		Addr:    fmt.Sprintf("%s:%d", s.Config.IP, s.Config.ApiPort),
	}
	return httpServer.ListenAndServe()
}

func (s *ApiServer) configureRouter() {
	s.Router = mux.NewRouter()
	subRouter := s.Router.PathPrefix("/api").Subrouter()
	subRouter.HandleFunc("/stats", s.handleStats()).Methods("GET")
	subRouter.HandleFunc("/counters", s.handleCounters()).Methods("GET")
	subRouter.HandleFunc("/scan/start/{mode}", s.handleScanStart()).Methods("GET")
	subRouter.HandleFunc("/scan/stop", s.handleScanStop()).Methods("GET")
	subRouter.HandleFunc("/scan/status", s.handleScanStatus()).Methods("GET")
	subRouter.HandleFunc("/config/loglevel", s.handleLogLevelGet()).Methods("GET")
	subRouter.HandleFunc("/config/loglevel", s.handleLogLevelSet()).Methods("POST")
	subRouter.HandleFunc("/persist", s.handlePersist()).Methods("POST")
	subRouter.HandleFunc("/flush", s.handleFlush()).Methods("GET")
}

func (s *ApiServer) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.recv.Stats().Snapshot())
	}
}

func (s *ApiServer) handleCounters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counters, err := s.recv.Panel().Counters()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counters)
	}
}

func (s *ApiServer) handleScanStart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		mode, err := sequence.ParseMode(vars["mode"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Debug("Handling scan start request: mode: %s", mode)
		if err := s.recv.StartScan(mode); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.writeStatus(w)
	}
}

func (s *ApiServer) handleScanStop() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debug("Handling scan stop request")
		if err := s.recv.StopScan(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.writeStatus(w)
	}
}

func (s *ApiServer) handleScanStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeStatus(w)
	}
}

func (s *ApiServer) writeStatus(w http.ResponseWriter) {
	engine := s.recv.Engine()
	status := ScanStatus{
		State:    engine.State().String(),
		Mode:     engine.Mode().String(),
		Retries:  engine.Retries(),
		InFlight: s.recv.InFlight(),
		Ready:    s.recv.Buffers().ReadyFrames(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *ApiServer) handleLogLevelGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(LogLevel{Level: log.Level()})
	}
}

func (s *ApiServer) handleLogLevelSet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level := &LogLevel{}
		if err := json.NewDecoder(r.Body).Decode(level); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Debug("Handling log level request: level: %s", level.Level)
		if err := log.SetLevel(level.Level); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
}

func (s *ApiServer) handlePersist() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		persist := &Persist{}
		if err := json.NewDecoder(r.Body).Decode(persist); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Debug("Handling persist request: filePrefix: %s", persist.FilePrefix)

		suffix := time.Now().UTC().Format("20060102_150405")
		filename := fmt.Sprintf("%s_%s.data", persist.FilePrefix, suffix)
		if err := s.recv.Writer().Open(filepath.Join(persist.Dir, filename)); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
}

func (s *ApiServer) handleFlush() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debug("Handling flush request")
		if err := s.recv.Writer().Flush(); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	}
}
