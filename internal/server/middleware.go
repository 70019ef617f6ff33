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

package server

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/modhub/modhub/pkg/utils/logger"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// logRequests tags every request with an id, echoes it in the response,
// logs the outcome and records it in the request metrics.
func (s *Server) logRequests(next http.Handler) http.Handler {
	base := &logger.Logger{Logger: s.Log}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog, requestID := base.NewRequestLogger(r)
		w.Header().Set(logger.RequestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w}
		startedAt := time.Now()

		req := r.WithContext(logr.NewContext(r.Context(), reqLog.Logger))
		next.ServeHTTP(rec, req)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(startedAt)
		s.Metrics.ObserveRequest(req.Pattern, r.Method, rec.status, elapsed)

		reqLog.Info("handled request",
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", elapsed.String(),
		)
	})
}

func requestLogger(r *http.Request) logr.Logger {
	return logr.FromContextOrDiscard(r.Context())
}
