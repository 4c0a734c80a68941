/*
Copyright 2025 The Kubernetes Authors.

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

// Package logging holds the shared logr verbosity levels used across the
// control plane, and helpers for constructing loggers in binaries and tests.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels, from least to most chatty. Components log state
// transitions at DEFAULT, periodic loop activity at VERBOSE, per-request
// decisions at DEBUG, and raw numeric detail at TRACE.
const (
	DEFAULT = 1
	VERBOSE = 2
	DEBUG   = 3
	TRACE   = 4
)

// NewLogger creates a production zap-backed logr.Logger at the given
// verbosity. logr V-levels map onto negative zap levels.
func NewLogger(verbosity int) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	z, err := cfg.Build()
	if err != nil {
		// Build only fails on invalid configuration, which a level-only
		// change cannot produce.
		panic(err)
	}
	return zapr.NewLogger(z)
}

// NewTestLogger creates a new zap logger using the dev mode, with TRACE
// verbosity enabled.
func NewTestLogger() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(z)
}
