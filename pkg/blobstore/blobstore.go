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

package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"
	"time"

	emperrors "emperror.dev/errors"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/modhub/modhub/pkg/utils/operrors"
)

const (
	// stagingDir holds in-flight writes and kept-aside previous blobs.
	stagingDir = ".staging"
	prevSuffix = ".prev"
	tempPrefix = "upload-"

	// GCSScheme selects the Google Cloud Storage backend.
	GCSScheme = "gs://"
)

var ErrInvalidID = emperrors.Sentinel("invalid blob id")

// Blobstore persists package archives keyed by package id.
type Blobstore interface {
	// Put writes r under the location derived from id, replacing any
	// existing content.
	Put(ctx context.Context, id string, r io.Reader) (BlobInfo, error)
	// Get returns the full contents of the blob at path.
	Get(ctx context.Context, path string) ([]byte, error)
	// Open streams the blob at path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Stage spools r to a temporary location. Nothing is visible until
	// the returned blob is committed.
	Stage(ctx context.Context, id string, r io.Reader) (StagedBlob, error)
	// Delete removes the blob at path. Missing blobs are not an error.
	Delete(ctx context.Context, path string) error
	// List returns every blob and staging leftover under the root.
	List(ctx context.Context) ([]BlobEntry, error)
	// PathFor returns the location a blob for id is stored at.
	PathFor(id string) (string, error)
}

// StagedBlob is an uncommitted write.
//
// Commit moves the staged bytes into place and keeps the previous content
// aside. Rollback restores that content, or removes the blob when there was
// none. Finalize drops the kept-aside copy. Discard throws away a stage that
// was never committed.
type StagedBlob interface {
	Info() BlobInfo
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Finalize(ctx context.Context) error
	Discard() error
}

type BlobInfo struct {
	Path     string
	Size     int64
	Checksum string
}

type BlobEntry struct {
	Path    string
	ModTime time.Time
	// LockKey is the blob path a staging leftover belongs to, or the
	// blob's own path. It is empty for anonymous temp files.
	LockKey string
	Staging bool
}

// New returns the backend for root: a GCS bucket for gs://bucket[/prefix]
// and the local filesystem otherwise.
func New(ctx context.Context, root string) (Blobstore, io.Closer, error) {
	if strings.HasPrefix(root, GCSScheme) {
		bucket, prefix := splitGCSRoot(root)
		store, err := NewGCSBlobstore(ctx, bucket, prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}

	store, err := NewFileBlobstore(root)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// blobName maps an id onto the archive name. The empty id maps to ".gz".
func blobName(id string) (string, error) {
	if id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") {
		return "", operrors.Upload(ErrInvalidID, "id", id)
	}
	return id + utils.ARCHIVE_SUFFIX, nil
}

type digest struct {
	h    hash.Hash
	size int64
}

func newDigest() *digest {
	return &digest{h: sha256.New()}
}

func (d *digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.size += int64(n)
	return n, err
}

func (d *digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

func contextReader(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
