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
	"errors"
	"io"
	"net/http"

	"github.com/krustlet/krustlet/pkg/provider"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader has no origin restriction: krustlet, like the kubelet, is only
// ever reached through the control plane's proxy, which has already
// authenticated and authorized the request before it arrives here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleExec implements POST /exec/{namespace}/{pod}/{container}: an
// upgraded bidirectional channel for command execution, returning 501 if
// the provider does not support exec.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	podUID, err := s.pods.ResolvePod(r.Context(), vars["namespace"], vars["pod"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	command := r.URL.Query()["command"]
	if len(command) == 0 {
		http.Error(w, "missing command query parameter", http.StatusBadRequest)
		return
	}

	session, err := s.provider.Exec(r.Context(), podUID, vars["container"], command)
	if err != nil {
		if errors.Is(err, provider.ErrUnsupported) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("server: exec websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pumpExecSession(r.Context(), conn, session, s.log)
}

// pumpExecSession relays stdin from the websocket into session and
// session's combined stdout/stderr back to the websocket until either
// side closes or the command exits.
func pumpExecSession(ctx context.Context, conn *websocket.Conn, session provider.ExecSession, log *zap.SugaredLogger) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := session.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.Warnw("server: exec stdout read failed", "error", err)
				}
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
			if _, werr := session.Write(data); werr != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	_, _ = session.Wait(ctx)
}
