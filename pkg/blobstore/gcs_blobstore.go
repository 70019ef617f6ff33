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
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	emperrors "emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/modhub/modhub/pkg/utils/operrors"
	"google.golang.org/api/iterator"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// GCSBlobstore keeps archives as objects gs://<bucket>/<prefix>/<id>.gz.
// Commits are server-side copies, so readers never see a partial object.
type GCSBlobstore struct {
	Bucket string
	Prefix string

	client *storage.Client
	log    logr.Logger
}

var _ Blobstore = (*GCSBlobstore)(nil)

func NewGCSBlobstore(ctx context.Context, bucket, prefix string) (*GCSBlobstore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, operrors.File(emperrors.Wrap(err, "creating GCS storage client"), "bucket", bucket)
	}

	return &GCSBlobstore{
		Bucket: bucket,
		Prefix: strings.Trim(prefix, "/"),
		client: client,
		log:    logf.Log.WithName("gcs_blobstore"),
	}, nil
}

func splitGCSRoot(root string) (bucket, prefix string) {
	rest := strings.TrimPrefix(root, GCSScheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/")
}

func (s *GCSBlobstore) Close() error {
	return s.client.Close()
}

func (s *GCSBlobstore) objectName(name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}

func (s *GCSBlobstore) url(object string) string {
	return GCSScheme + s.Bucket + "/" + object
}

// objectFor parses a gs:// url produced by this store.
func (s *GCSBlobstore) objectFor(p string) (string, error) {
	bucketPrefix := GCSScheme + s.Bucket + "/"
	if !strings.HasPrefix(p, bucketPrefix) {
		return "", operrors.File(ErrInvalidID, "path", p)
	}
	return strings.TrimPrefix(p, bucketPrefix), nil
}

func (s *GCSBlobstore) PathFor(id string) (string, error) {
	name, err := blobName(id)
	if err != nil {
		return "", err
	}
	return s.url(s.objectName(name)), nil
}

func (s *GCSBlobstore) Put(ctx context.Context, id string, r io.Reader) (BlobInfo, error) {
	staged, err := s.Stage(ctx, id, r)
	if err != nil {
		return BlobInfo{}, err
	}

	if err := staged.Commit(ctx); err != nil {
		return BlobInfo{}, emperrors.Combine(err, staged.Discard())
	}

	if err := staged.Finalize(ctx); err != nil {
		return BlobInfo{}, err
	}

	return staged.Info(), nil
}

func (s *GCSBlobstore) Get(ctx context.Context, p string) ([]byte, error) {
	rc, err := s.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, operrors.File(err, "path", p)
	}
	return data, nil
}

func (s *GCSBlobstore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	object, err := s.objectFor(p)
	if err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(s.Bucket).Object(object).NewReader(ctx)
	if err != nil {
		if emperrors.Is(err, storage.ErrObjectNotExist) {
			err = &fs.PathError{Op: "open", Path: p, Err: os.ErrNotExist}
		}
		return nil, operrors.File(err, "path", p)
	}
	return r, nil
}

func (s *GCSBlobstore) Stage(ctx context.Context, id string, r io.Reader) (StagedBlob, error) {
	p, err := s.PathFor(id)
	if err != nil {
		return nil, err
	}

	name, _ := blobName(id)
	tempObject := s.objectName(path.Join(stagingDir, tempPrefix+uuid.NewString()))

	s.log.V(5).Info("staging blob", "destination", s.url(tempObject))

	startedAt := time.Now()

	// cancelling wctx is the only way to drop a write without creating the object
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.Bucket).Object(tempObject).NewWriter(wctx)
	sum := newDigest()
	if _, err := io.Copy(io.MultiWriter(w, sum), r); err != nil {
		cancel()
		_ = w.Close()
		return nil, operrors.File(emperrors.Wrap(err, "uploading to GCS"), "id", id)
	}
	if err := w.Close(); err != nil {
		return nil, operrors.File(emperrors.Wrap(err, "closing GCS writer"), "id", id)
	}

	s.log.V(5).Info("staged blob", "url", s.url(tempObject), "bytes", sum.size, "duration", time.Since(startedAt))

	return &gcsStagedBlob{
		store:      s,
		tempObject: tempObject,
		object:     s.objectName(name),
		prevObject: s.objectName(path.Join(stagingDir, name+prevSuffix)),
		info: BlobInfo{
			Path:     p,
			Size:     sum.size,
			Checksum: sum.Sum(),
		},
	}, nil
}

func (s *GCSBlobstore) Delete(ctx context.Context, p string) error {
	object, err := s.objectFor(p)
	if err != nil {
		return err
	}
	return s.delete(ctx, object)
}

func (s *GCSBlobstore) delete(ctx context.Context, object string) error {
	err := s.client.Bucket(s.Bucket).Object(object).Delete(ctx)
	if err != nil && !emperrors.Is(err, storage.ErrObjectNotExist) {
		return operrors.File(err, "path", s.url(object))
	}
	return nil
}

func (s *GCSBlobstore) copy(ctx context.Context, dst, src string) error {
	bucket := s.client.Bucket(s.Bucket)
	_, err := bucket.Object(dst).CopierFrom(bucket.Object(src)).Run(ctx)
	return err
}

func (s *GCSBlobstore) List(ctx context.Context) ([]BlobEntry, error) {
	query := &storage.Query{}
	if s.Prefix != "" {
		query.Prefix = s.Prefix + "/"
	}

	stagingPrefix := s.objectName(stagingDir) + "/"
	entries := []BlobEntry{}

	it := s.client.Bucket(s.Bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, operrors.File(err, "bucket", s.Bucket)
		}

		entry := BlobEntry{Path: s.url(attrs.Name), ModTime: attrs.Updated}
		base := path.Base(attrs.Name)

		switch {
		case strings.HasPrefix(attrs.Name, stagingPrefix):
			entry.Staging = true
			if strings.HasSuffix(base, prevSuffix) {
				entry.LockKey = s.url(s.objectName(strings.TrimSuffix(base, prevSuffix)))
			}
		case path.Dir(attrs.Name) == path.Clean(s.objectName(".")) && strings.HasSuffix(base, utils.ARCHIVE_SUFFIX):
			entry.LockKey = entry.Path
		default:
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

type gcsStagedBlob struct {
	store      *GCSBlobstore
	tempObject string
	object     string
	prevObject string
	info       BlobInfo

	mu          sync.Mutex
	committed   bool
	hadPrevious bool
}

func (b *gcsStagedBlob) Info() BlobInfo {
	return b.info
}

func (b *gcsStagedBlob) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.committed {
		return nil
	}

	s := b.store
	b.hadPrevious = false
	if err := s.copy(ctx, b.prevObject, b.object); err == nil {
		b.hadPrevious = true
	} else if !emperrors.Is(err, storage.ErrObjectNotExist) {
		return operrors.File(err, "path", b.info.Path)
	}

	if err := s.copy(ctx, b.object, b.tempObject); err != nil {
		return operrors.File(err, "path", b.info.Path)
	}

	b.committed = true

	if err := s.delete(ctx, b.tempObject); err != nil {
		s.log.Error(err, "removing staged object", "object", b.tempObject)
	}
	return nil
}

func (b *gcsStagedBlob) Rollback(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.committed {
		return nil
	}

	s := b.store
	if b.hadPrevious {
		if err := s.copy(ctx, b.object, b.prevObject); err != nil {
			return operrors.File(err, "path", b.info.Path)
		}
		if err := s.delete(ctx, b.prevObject); err != nil {
			return err
		}
	} else if err := s.delete(ctx, b.object); err != nil {
		return err
	}

	b.committed = false
	b.hadPrevious = false
	return nil
}

func (b *gcsStagedBlob) Finalize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hadPrevious {
		return nil
	}

	if err := b.store.delete(ctx, b.prevObject); err != nil {
		return err
	}
	b.hadPrevious = false
	return nil
}

func (b *gcsStagedBlob) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.committed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return b.store.delete(ctx, b.tempObject)
}
