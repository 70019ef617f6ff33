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
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/modhub/modhub/internal/metrics"
	"github.com/modhub/modhub/pkg/database"
	"github.com/modhub/modhub/pkg/ingest"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/upload"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// ModService is the package pipeline the routes are served from.
type ModService interface {
	Ingest(ctx context.Context, parts upload.PartReader) (*ingest.Result, error)
	Download(ctx context.Context, id string) (*models.ModPackage, io.ReadCloser, error)
	List(ctx context.Context, opts ...database.ListOption) ([]models.ModPackage, string, error)
	Get(ctx context.Context, id string) (*models.ModPackage, error)
	Setup(ctx context.Context) error
	Ping(ctx context.Context) error
}

type Server struct {
	Log     logr.Logger
	Service ModService

	// MaxUploadSize bounds the upload request body; 0 disables the limit.
	MaxUploadSize int64

	// Metrics, when set, records requests and uploads and is served on
	// GET /metrics.
	Metrics *metrics.Metrics

	startListener func() (net.Listener, error)
	tlsListener   func(net.Listener) (net.Listener, error)
}

func WithAddress(s *Server, address string) *Server {
	s.startListener = func() (net.Listener, error) {
		return net.Listen("tcp", address)
	}
	return s
}

func WithTLS(s *Server, tlsKey, tlsCert string) *Server {
	s.tlsListener = func(l net.Listener) (net.Listener, error) {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)

		if err != nil {
			return nil, err
		}

		return tls.NewListener(l, &tls.Config{
			Certificates: []tls.Certificate{
				cert,
			},
			MinVersion: tls.VersionTLS12,
		}), nil
	}
	return s
}

func WithCustomListener(s *Server, listen func() (net.Listener, error)) *Server {
	s.startListener = listen
	return s
}

// Handler returns the routes with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /metadata", s.listMetadata)
	mux.HandleFunc("GET /metadata/{id}", s.getMetadata)
	mux.HandleFunc("POST /upload", s.upload)
	mux.HandleFunc("GET /download/{id}", s.download)
	mux.HandleFunc("GET /setup", s.setup)
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	mux.HandleFunc("/", s.notFound)

	return s.logRequests(mux)
}

// Start serves until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.startListener == nil {
		s.startListener = func() (net.Listener, error) {
			return net.Listen("tcp", ":8080")
		}
	}

	if s.tlsListener == nil {
		s.tlsListener = func(in net.Listener) (net.Listener, error) {
			return in, nil
		}
	}

	// listen on a tcp socket
	lis, err := s.startListener()
	if err != nil {
		return err
	}

	lis, err = s.tlsListener(lis)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return logr.NewContext(context.Background(), s.Log)
		},
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.Log.Info("serving", "address", lis.Addr().String())
		if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		s.Log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// wait
	return group.Wait()
}
