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

package ingest

import (
	"bytes"
	"context"
	"io"
	"time"

	emperrors "emperror.dev/errors"
	"github.com/modhub/modhub/pkg/blobstore"
	"github.com/modhub/modhub/pkg/database"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/upload"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/modhub/modhub/pkg/utils/logger"
)

type State int

const (
	Receiving State = iota
	PersistingBlob
	ReconcilingMetadata
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Receiving:
		return "Receiving"
	case PersistingBlob:
		return "PersistingBlob"
	case ReconcilingMetadata:
		return "ReconcilingMetadata"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

type Result struct {
	Package models.ModPackage
	Created bool
	State   State
}

// Coordinator drives an upload from the wire to a committed blob and
// metadata row. Writers are serialized per blob path and per id; the lock
// covers both the blob commit and the metadata upsert so a row always
// points at the bytes of the same upload.
type Coordinator struct {
	assembler *upload.Assembler
	blobs     blobstore.Blobstore
	store     database.MetadataStore

	locks utils.KeyedMutex
	log   *logger.Logger
}

func NewCoordinator(
	assembler *upload.Assembler,
	blobs blobstore.Blobstore,
	store database.MetadataStore,
) *Coordinator {
	return &Coordinator{
		assembler: assembler,
		blobs:     blobs,
		store:     store,
		log:       logger.NewLogger("ingest"),
	}
}

func idLockKey(id string) string {
	return "id:" + id
}

// Ingest runs the upload state machine. On failure the returned result is
// in the Aborted state and err carries the kind of the failing step.
func (c *Coordinator) Ingest(ctx context.Context, parts upload.PartReader) (*Result, error) {
	result := &Result{State: Receiving}

	abort := func(err error) (*Result, error) {
		c.log.Error(err, "upload aborted", append(emperrors.GetDetails(err), "state", result.State.String())...)
		result.State = Aborted
		return result, err
	}

	up, err := c.assembler.Assemble(ctx, parts)
	if err != nil {
		return abort(err)
	}
	result.Package = up.Package

	result.State = PersistingBlob
	staged, err := c.blobs.Stage(ctx, up.BlobID, bytes.NewReader(up.Archive))
	if err != nil {
		return abort(err)
	}
	defer func() {
		if err := staged.Discard(); err != nil {
			c.log.Error(err, "discarding staged blob", "path", staged.Info().Path)
		}
	}()

	info := staged.Info()
	unlock := c.locks.Lock(info.Path, idLockKey(up.Package.ID))
	defer unlock()

	if err := staged.Commit(ctx); err != nil {
		return abort(err)
	}

	result.State = ReconcilingMetadata
	mod := up.Package
	mod.FilePath = info.Path
	mod.Checksum = info.Checksum
	mod.Size = info.Size

	created, err := c.store.Upsert(ctx, &mod)
	if err != nil {
		if rollbackErr := staged.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil {
			c.log.Error(rollbackErr, "rolling back blob", "path", info.Path)
		}
		return abort(err)
	}

	if err := staged.Finalize(ctx); err != nil {
		c.log.Error(err, "dropping previous blob", "path", info.Path)
	}

	result.Package = mod
	result.Created = created
	result.State = Committed

	c.log.Info("upload committed",
		"id", mod.ID,
		"path", mod.FilePath,
		"size", mod.Size,
		"created", created,
	)
	return result, nil
}

// Download returns the row for id and a stream of its archive.
func (c *Coordinator) Download(ctx context.Context, id string) (*models.ModPackage, io.ReadCloser, error) {
	mod, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rc, err := c.blobs.Open(ctx, mod.FilePath)
	if err != nil {
		return nil, nil, err
	}
	return mod, rc, nil
}

func (c *Coordinator) List(ctx context.Context, opts ...database.ListOption) ([]models.ModPackage, string, error) {
	return c.store.List(ctx, opts...)
}

func (c *Coordinator) Get(ctx context.Context, id string) (*models.ModPackage, error) {
	return c.store.Get(ctx, id)
}

func (c *Coordinator) Setup(ctx context.Context) error {
	return c.store.EnsureSchema(ctx)
}

func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// SweepOrphans deletes blobs no row references and staging leftovers, as
// long as they are older than olderThan. Entries whose lock is held by an
// in-flight upload are skipped.
func (c *Coordinator) SweepOrphans(ctx context.Context, olderThan time.Duration) (removed int, err error) {
	entries, err := c.blobs.List(ctx)
	if err != nil {
		return 0, err
	}

	refs, err := c.store.FilePaths(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	var errs []error

	for _, entry := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		if entry.ModTime.After(cutoff) {
			continue
		}

		if !entry.Staging {
			if _, ok := refs[entry.Path]; ok {
				continue
			}
		}

		ok, err := c.sweep(ctx, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}

	c.log.Info("orphan sweep finished", "candidates", len(entries), "removed", removed)
	return removed, emperrors.Combine(errs...)
}

func (c *Coordinator) sweep(ctx context.Context, entry blobstore.BlobEntry) (bool, error) {
	if entry.LockKey != "" {
		unlock, ok := c.locks.TryLock(entry.LockKey)
		if !ok {
			c.log.Debug("skipping busy blob", "path", entry.Path)
			return false, nil
		}
		defer unlock()
	}

	// an upload may have claimed the path since the snapshot
	if !entry.Staging {
		refs, err := c.store.FilePaths(ctx)
		if err != nil {
			return false, err
		}
		if _, ok := refs[entry.Path]; ok {
			return false, nil
		}
	}

	if err := c.blobs.Delete(ctx, entry.Path); err != nil {
		return false, err
	}

	c.log.Debug("removed orphan", "path", entry.Path, "modified", entry.ModTime)
	return true, nil
}
