/*
Copyright 2019 The Machine Controller Authors.

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

// Package log builds krustlet's process-wide zap logger and bridges it to
// the logr.Logger interface that sigs.k8s.io/controller-runtime consumes,
// the same two-step construction cmd/machine-controller/main.go performs.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger. debug raises the level to Debug and
// switches to the human-readable console encoder instead of JSON.
func New(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// zap's own config never fails to build with the options above; a
		// panic here means the stdlib itself is broken.
		panic(err)
	}
	return logger.Sugar()
}

// ForControllerRuntime adapts a *zap.Logger to the logr.Logger interface
// sigs.k8s.io/controller-runtime expects for its manager and reconcilers.
func ForControllerRuntime(l *zap.Logger) logr.Logger {
	return zapr.NewLogger(l)
}
