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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	emperrors "emperror.dev/errors"
	"github.com/modhub/modhub/pkg/database"
	"github.com/modhub/modhub/pkg/ingest"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/upload"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/modhub/modhub/pkg/utils/operrors"
)

const NextPageHeader = "X-Next-Page-Token"

type UploadResponse struct {
	ID       string `json:"id"`
	Created  bool   `json:"created"`
	FilePath string `json:"file_path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listMetadata(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	mods, next, err := s.Service.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if mods == nil {
		mods = []models.ModPackage{}
	}
	if next != "" {
		w.Header().Set(NextPageHeader, next)
	}
	s.writeJSON(w, r, http.StatusOK, mods)
}

func (s *Server) getMetadata(w http.ResponseWriter, r *http.Request) {
	mod, err := s.Service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, mod)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if s.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize)
	}

	parts, err := upload.Reader(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.Service.Ingest(r.Context(), parts)
	s.observeUpload(result, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, UploadResponse{
		ID:       result.Package.ID,
		Created:  result.Created,
		FilePath: result.Package.FilePath,
		Size:     result.Package.Size,
		Checksum: result.Package.Checksum,
	})
}

func (s *Server) observeUpload(result *ingest.Result, err error) {
	state, kind, size := ingest.Aborted, "", int64(0)
	if result != nil {
		state, size = result.State, result.Package.Size
	}
	if err != nil {
		state = ingest.Aborted
		if k := operrors.Kind(err); k != nil {
			kind = k.Error()
		} else {
			kind = "unknown"
		}
	}
	s.Metrics.ObserveUpload(state.String(), kind, size)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	mod, rc, err := s.Service.Download(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", mod.ID+utils.ARCHIVE_SUFFIX))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		requestLogger(r).Error(err, "streaming archive", "id", id)
	}
}

func (s *Server) setup(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Setup(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Ping(r.Context()); err != nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, operrors.NotFound(nil, "path", r.URL.Path))
}

func listOptions(r *http.Request) ([]database.ListOption, error) {
	query := r.URL.Query()
	if !query.Has("page") && !query.Has("page_size") {
		return nil, nil
	}

	page, pageSize := 1, 0
	for name, dst := range map[string]*int{"page": &page, "page_size": &pageSize} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, operrors.InvalidRequest(err, "param", name)
		}
		*dst = v
	}

	return []database.ListOption{database.Paginate(page, pageSize)}, nil
}

func statusFor(err error) int {
	switch operrors.Kind(err) {
	case operrors.ErrUpload, operrors.ErrInvalidRequest:
		return http.StatusBadRequest
	case operrors.ErrNotFound:
		return http.StatusNotFound
	case operrors.ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	log := requestLogger(r)
	if status >= http.StatusInternalServerError {
		log.Error(err, "request failed", emperrors.GetDetails(err)...)
	} else {
		log.V(1).Info("request rejected", append(emperrors.GetDetails(err), "error", err.Error(), "status", status)...)
	}

	s.writeJSON(w, r, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		requestLogger(r).Error(err, "failed to encode response")
	}
}
