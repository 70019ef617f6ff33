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

package upload

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	emperrors "emperror.dev/errors"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/utils/logger"
	"github.com/modhub/modhub/pkg/utils/operrors"
)

// Form field names.
const (
	FieldID        = "id"
	FieldTitle     = "title"
	FieldVersion   = "version"
	FieldThumbnail = "thumbnail"
	FieldFile      = "file"
)

var ErrFileBeforeID = emperrors.Sentinel("file part received before id")

// PartReader yields multipart parts in arrival order. *multipart.Reader
// satisfies it.
type PartReader interface {
	NextPart() (*multipart.Part, error)
}

type Config struct {
	// StrictFieldOrder rejects uploads whose file part precedes the id.
	StrictFieldOrder bool
}

// Upload is an assembled request, ready to be persisted.
type Upload struct {
	Package models.ModPackage
	Archive []byte
	// BlobID is the value of id when the file part was read. It differs
	// from Package.ID when the client sent id after file. Without a file
	// part it is Package.ID.
	BlobID  string
	HasFile bool
}

type Assembler struct {
	config Config
	log    *logger.Logger
}

func NewAssembler(config Config) *Assembler {
	return &Assembler{
		config: config,
		log:    logger.NewLogger("upload_assembler"),
	}
}

// Reader returns the part reader of a multipart/form-data request.
func Reader(r *http.Request) (PartReader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, operrors.Upload(err, "content-type", r.Header.Get("Content-Type"))
	}
	return mr, nil
}

// Assemble drains every part in order and builds the upload. Unknown fields
// are read and dropped. Any read failure aborts with ErrUpload, or
// ErrPayloadTooLarge when the request body limit was hit.
func (a *Assembler) Assemble(ctx context.Context, parts PartReader) (*Upload, error) {
	upload := &Upload{}
	seenID := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, operrors.Upload(err)
		}

		part, err := parts.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, readError(err, "")
		}

		name := part.FormName()
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, readError(err, name)
		}

		switch name {
		case FieldID:
			upload.Package.ID = decodeText(data)
			seenID = true
		case FieldTitle:
			upload.Package.Title = decodeText(data)
		case FieldVersion:
			upload.Package.Version = decodeText(data)
		case FieldThumbnail:
			upload.Package.Thumbnail = models.EncodeThumbnail(data)
		case FieldFile:
			if !seenID && a.config.StrictFieldOrder {
				return nil, operrors.Upload(ErrFileBeforeID)
			}
			upload.Archive = data
			upload.BlobID = upload.Package.ID
			upload.HasFile = true
		default:
			a.log.Debug("ignoring unknown field", "field", name, "bytes", len(data))
		}
	}

	// without a file part an empty archive is stored under the final id
	if !upload.HasFile {
		upload.BlobID = upload.Package.ID
	}

	return upload, nil
}

// decodeText replaces invalid UTF-8 sequences with U+FFFD.
func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func readError(err error, field string) error {
	var tooLarge *http.MaxBytesError
	if emperrors.As(err, &tooLarge) {
		return operrors.Mark(operrors.ErrPayloadTooLarge, err, "limit", tooLarge.Limit)
	}
	if field == "" {
		return operrors.Upload(err)
	}
	return operrors.Upload(err, "field", field)
}
