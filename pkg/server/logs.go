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
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/krustlet/krustlet/pkg/provider"

	"github.com/gorilla/mux"
)

// handleContainerLogs implements GET
// /containerLogs/{namespace}/{pod}/{container}?follow=bool&tailLines=N.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	podUID, err := s.pods.ResolvePod(r.Context(), vars["namespace"], vars["pod"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	follow, _ := strconv.ParseBool(r.URL.Query().Get("follow"))
	tail, _ := strconv.Atoi(r.URL.Query().Get("tailLines"))

	logs, err := s.provider.Logs(r.Context(), podUID, vars["container"], tail, follow)
	if err != nil {
		if errors.Is(err, provider.ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer logs.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok && follow {
		streamWithFlush(w, logs, flusher)
		return
	}
	io.Copy(w, logs)
}

// streamWithFlush copies src to w, flushing after every read so a
// follow=true caller sees log lines as they arrive instead of buffered
// until the handler returns.
func streamWithFlush(w io.Writer, src io.Reader, flusher http.Flusher) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}
