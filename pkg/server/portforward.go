/*
Copyright 2022 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// PortForwarder is an optional capability a provider.Provider may satisfy
// in addition to the core interface; the default WASM provider does not,
// so handlePortForward answers 501 for it.
type PortForwarder interface {
	PortForward(ctx context.Context, podUID string, port int32) (io.ReadWriteCloser, error)
}

// handlePortForward implements POST /portForward/{namespace}/{pod}: an
// upgraded channel, 501 unless the provider implements PortForwarder.
func (s *Server) handlePortForward(w http.ResponseWriter, r *http.Request) {
	forwarder, ok := s.provider.(PortForwarder)
	if !ok {
		http.Error(w, "port-forward not supported by this provider", http.StatusNotImplemented)
		return
	}

	vars := mux.Vars(r)
	podUID, err := s.pods.ResolvePod(r.Context(), vars["namespace"], vars["pod"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	portStr := r.URL.Query().Get("port")
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid or missing port query parameter", http.StatusBadRequest)
		return
	}

	stream, err := forwarder.PortForward(r.Context(), podUID, int32(port))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("server: portForward websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pumpPortForward(r.Context(), conn, stream)
}

func pumpPortForward(ctx context.Context, conn *websocket.Conn, stream io.ReadWriteCloser) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, werr := stream.Write(data); werr != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
