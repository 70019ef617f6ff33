// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	InfoLevel  = 1
	DebugLevel = 5
	TraceLevel = 10
)

const RequestIDHeader = "X-Request-Id"

type Logger struct {
	logr.Logger
}

func NewLogger(name string) *Logger {
	return &Logger{
		Logger: logf.Log.WithName(name),
	}
}

// NewRequestLogger tags the logger with the request's id, method and path.
// The id is taken from the X-Request-Id header or generated.
func (l *Logger) NewRequestLogger(r *http.Request) (*Logger, string) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return &Logger{
		Logger: l.WithValues("request_id", requestID, "method", r.Method, "path", r.URL.Path),
	}, requestID
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.V(InfoLevel).Info(msg, append(keysAndValues, "level", "info")...)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.V(DebugLevel).Info(msg, append(keysAndValues, "level", "debug")...)
}

func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.V(TraceLevel).Info(msg, append(keysAndValues, "level", "trace")...)
}

// NewZapLogger builds the process logger. Development mode logs
// human-readable console output; verbose lowers the level to trace.
func NewZapLogger(development, verbose bool) (logr.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-TraceLevel))
	}

	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to initialize zapr, due to error: %v", err)
	}
	return zapr.NewLogger(zapLog), nil
}

// SetLogger installs log as the global logger that NewLogger derives from.
func SetLogger(log logr.Logger) {
	logf.SetLogger(log)
}
