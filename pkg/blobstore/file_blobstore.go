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
	"os"
	"path/filepath"
	"strings"
	"sync"

	emperrors "emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/modhub/modhub/pkg/utils/operrors"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// FileBlobstore keeps archives as <root>/<id>.gz on the local filesystem.
// Writers for the same id must be serialized by the caller.
type FileBlobstore struct {
	root string
	log  logr.Logger
}

var _ Blobstore = (*FileBlobstore)(nil)

func NewFileBlobstore(root string) (*FileBlobstore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0o755); err != nil {
		return nil, operrors.File(err, "root", root)
	}

	return &FileBlobstore{
		root: root,
		log:  logf.Log.WithName("file_blobstore"),
	}, nil
}

func (s *FileBlobstore) Root() string {
	return s.root
}

func (s *FileBlobstore) Close() error {
	return nil
}

func (s *FileBlobstore) PathFor(id string) (string, error) {
	name, err := blobName(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, name), nil
}

func (s *FileBlobstore) Put(ctx context.Context, id string, r io.Reader) (BlobInfo, error) {
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

func (s *FileBlobstore) Get(ctx context.Context, path string) ([]byte, error) {
	rc, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, operrors.File(err, "path", path)
	}
	return data, nil
}

func (s *FileBlobstore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, operrors.File(err, "path", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, operrors.File(err, "path", path)
	}
	return f, nil
}

func (s *FileBlobstore) Stage(ctx context.Context, id string, r io.Reader) (StagedBlob, error) {
	path, err := s.PathFor(id)
	if err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Join(s.root, stagingDir), tempPrefix)
	if err != nil {
		return nil, operrors.File(err, "id", id)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil && !os.IsNotExist(err) {
				s.log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				s.log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	sum := newDigest()
	if _, err := io.Copy(io.MultiWriter(tempFile, sum), contextReader(ctx, r)); err != nil {
		return nil, operrors.File(err, "id", id)
	}

	if err := tempFile.Sync(); err != nil {
		return nil, operrors.File(err, "id", id)
	}

	if err := tempFile.Close(); err != nil {
		return nil, operrors.File(err, "id", id)
	}
	shouldCloseTempFile = false
	shouldDeleteTempFile = false

	return &fileStagedBlob{
		store:    s,
		tempPath: tempFile.Name(),
		prevPath: filepath.Join(s.root, stagingDir, filepath.Base(path)+prevSuffix),
		info: BlobInfo{
			Path:     path,
			Size:     sum.size,
			Checksum: sum.Sum(),
		},
	}, nil
}

func (s *FileBlobstore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return operrors.File(err, "path", path)
	}

	if !s.contains(path) {
		return operrors.File(ErrInvalidID, "path", path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return operrors.File(err, "path", path)
	}
	return nil
}

func (s *FileBlobstore) List(ctx context.Context) ([]BlobEntry, error) {
	entries := []BlobEntry{}

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path == s.root || path == filepath.Join(s.root, stagingDir) {
				return nil
			}
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		entry := BlobEntry{Path: path, ModTime: info.ModTime()}
		name := d.Name()

		switch {
		case filepath.Dir(path) == filepath.Join(s.root, stagingDir):
			entry.Staging = true
			if strings.HasSuffix(name, prevSuffix) {
				entry.LockKey = filepath.Join(s.root, strings.TrimSuffix(name, prevSuffix))
			}
		case strings.HasSuffix(name, utils.ARCHIVE_SUFFIX):
			entry.LockKey = path
		default:
			return nil
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, operrors.File(err, "root", s.root)
	}

	return entries, nil
}

func (s *FileBlobstore) contains(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type fileStagedBlob struct {
	store    *FileBlobstore
	tempPath string
	prevPath string
	info     BlobInfo

	mu          sync.Mutex
	committed   bool
	hadPrevious bool
}

func (b *fileStagedBlob) Info() BlobInfo {
	return b.info
}

func (b *fileStagedBlob) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.committed {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return operrors.File(err, "path", b.info.Path)
	}

	// a leftover from a crashed commit would otherwise be restored by rollback
	if err := os.Remove(b.prevPath); err != nil && !os.IsNotExist(err) {
		return operrors.File(err, "path", b.prevPath)
	}

	// the live blob stays in place until the rename below replaces it
	hadPrevious, err := keepPrevious(b.info.Path, b.prevPath)
	if err != nil {
		return operrors.File(err, "path", b.info.Path)
	}
	b.hadPrevious = hadPrevious

	if err := os.Rename(b.tempPath, b.info.Path); err != nil {
		if b.hadPrevious {
			if removeErr := os.Remove(b.prevPath); removeErr != nil && !os.IsNotExist(removeErr) {
				b.store.log.Error(removeErr, "removing previous blob copy", "path", b.prevPath)
			}
			b.hadPrevious = false
		}
		return operrors.File(err, "path", b.info.Path)
	}

	b.committed = true
	return nil
}

func (b *fileStagedBlob) Rollback(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.committed {
		return nil
	}

	if b.hadPrevious {
		if err := os.Rename(b.prevPath, b.info.Path); err != nil {
			return operrors.File(err, "path", b.info.Path)
		}
	} else if err := os.Remove(b.info.Path); err != nil && !os.IsNotExist(err) {
		return operrors.File(err, "path", b.info.Path)
	}

	b.committed = false
	b.hadPrevious = false
	return nil
}

func (b *fileStagedBlob) Finalize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hadPrevious {
		return nil
	}

	if err := os.Remove(b.prevPath); err != nil && !os.IsNotExist(err) {
		return operrors.File(err, "path", b.prevPath)
	}

	b.hadPrevious = false
	return nil
}

func (b *fileStagedBlob) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.committed {
		return nil
	}

	if err := os.Remove(b.tempPath); err != nil && !os.IsNotExist(err) {
		return operrors.File(err, "path", b.tempPath)
	}
	return nil
}

// keepPrevious links path to prevPath, copying when hard links are not
// supported. It reports false when path does not exist.
func keepPrevious(path, prevPath string) (bool, error) {
	err := os.Link(path, prevPath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	}

	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer src.Close()

	dst, err := os.OpenFile(prevPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return false, err
	}

	if _, err := io.Copy(dst, src); err != nil {
		return false, emperrors.Combine(err, dst.Close(), os.Remove(prevPath))
	}
	if err := dst.Close(); err != nil {
		return false, emperrors.Combine(err, os.Remove(prevPath))
	}
	return true, nil
}
