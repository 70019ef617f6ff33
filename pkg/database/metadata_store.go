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

package database

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/utils/operrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// MetadataStore persists one ModPackage row per id. Every operation holds
// the store mutex for its full duration, so all metadata access is
// serialized across requests.
type MetadataStore interface {
	EnsureSchema(ctx context.Context) error
	List(ctx context.Context, opts ...ListOption) (mods []models.ModPackage, nextPageToken string, err error)
	Exists(ctx context.Context, id string) bool
	Get(ctx context.Context, id string) (*models.ModPackage, error)
	Insert(ctx context.Context, mod *models.ModPackage) error
	Update(ctx context.Context, mod *models.ModPackage) error
	Upsert(ctx context.Context, mod *models.ModPackage) (created bool, err error)
	FilePaths(ctx context.Context) (map[string]struct{}, error)
	Ping(ctx context.Context) error
}

func New(db *gorm.DB) (MetadataStore, io.Closer) {
	store := &metadataStore{
		DB:  db,
		Log: logf.Log.WithName("metadata_store"),
	}
	return store, store
}

type metadataStore struct {
	*gorm.DB
	Log logr.Logger

	mu sync.Mutex
}

func (d *metadataStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sqlDB, err := d.DB.DB()
	if err != nil {
		d.Log.Error(err, "couldn't close db")
		return err
	}
	return sqlDB.Close()
}

func (d *metadataStore) EnsureSchema(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := Migrate(d.DB.WithContext(ctx)); err != nil {
		return operrors.Database(err, "op", "ensure_schema")
	}

	d.Log.Info("schema is up to date")
	return nil
}

func (d *metadataStore) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sqlDB, err := d.DB.DB()
	if err != nil {
		return operrors.Database(err, "op", "ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return operrors.Database(err, "op", "ping")
	}
	return nil
}

func (d *metadataStore) List(ctx context.Context, opts ...ListOption) (mods []models.ModPackage, nextPageToken string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	listOpts := (&ListOptions{}).ApplyOptions(opts)
	err = d.DB.WithContext(ctx).
		Scopes(listOpts.scopes()...).
		Order("id asc").
		Find(&mods).Error

	if err != nil {
		return nil, "", operrors.Database(err, "op", "list")
	}

	if p := listOpts.Pagination; p != nil {
		page, pageSize := p.normalized()

		// the paginator asks for one row past the page
		if len(mods) == pageSize+1 {
			mods = mods[:len(mods)-1]
			if page < maxPage(pageSize) {
				nextPageToken = fmt.Sprintf("%d", page+1)
			}
		}
	}

	return mods, nextPageToken, nil
}

// Exists reports whether a row with id is present. A failing query is
// logged and reported as false.
func (d *metadataStore) Exists(ctx context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.exists(ctx, id)
}

func (d *metadataStore) exists(ctx context.Context, id string) bool {
	var count int64
	err := d.DB.WithContext(ctx).
		Model(&models.ModPackage{}).
		Where("id = ?", id).
		Count(&count).Error

	if err != nil {
		d.Log.Error(err, "existence check failed, treating as absent", "id", id)
		return false
	}
	return count > 0
}

func (d *metadataStore) Get(ctx context.Context, id string) (*models.ModPackage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.get(ctx, id)
}

func (d *metadataStore) get(ctx context.Context, id string) (*models.ModPackage, error) {
	mod := models.ModPackage{}

	err := d.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&mod).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, operrors.NotFound(fmt.Errorf("no mod with id %q", id), "id", id)
	}
	if err != nil {
		return nil, operrors.Database(err, "op", "get", "id", id)
	}
	return &mod, nil
}

func (d *metadataStore) Insert(ctx context.Context, mod *models.ModPackage) error {
	if mod == nil {
		return operrors.Database(errors.New("mod is nil"), "op", "insert")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.DB.WithContext(ctx).Create(mod).Error; err != nil {
		return operrors.Database(err, "op", "insert", "id", mod.ID)
	}

	d.Log.Info("inserted mod", "id", mod.ID, "version", mod.Version)
	return nil
}

// Update overwrites every non-key field of the row, blanks included.
func (d *metadataStore) Update(ctx context.Context, mod *models.ModPackage) error {
	if mod == nil {
		return operrors.Database(errors.New("mod is nil"), "op", "update")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mod.UpdatedAt = time.Now()

	tx := d.DB.WithContext(ctx).
		Model(&models.ModPackage{}).
		Where("id = ?", mod.ID).
		Select(models.OverwriteColumns).
		Updates(mod)

	if tx.Error != nil {
		return operrors.Database(tx.Error, "op", "update", "id", mod.ID)
	}
	if tx.RowsAffected == 0 {
		return operrors.NotFound(fmt.Errorf("no mod with id %q", mod.ID), "id", mod.ID)
	}

	d.Log.Info("updated mod", "id", mod.ID, "version", mod.Version)
	return nil
}

// Upsert writes mod with a single INSERT ... ON CONFLICT statement. created
// reports whether no row existed beforehand; it comes from Exists and so is
// false-biased when that lookup fails, but the write itself does not depend
// on it. On success mod is reloaded from the table.
func (d *metadataStore) Upsert(ctx context.Context, mod *models.ModPackage) (created bool, err error) {
	if mod == nil {
		return false, operrors.Database(errors.New("mod is nil"), "op", "upsert")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	created = !d.exists(ctx, mod.ID)

	now := time.Now()
	mod.CreatedAt = now
	mod.UpdatedAt = now

	err = d.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(models.OverwriteColumns),
		}).
		Create(mod).Error

	if err != nil {
		return false, operrors.Database(err, "op", "upsert", "id", mod.ID)
	}

	stored, err := d.get(ctx, mod.ID)
	if err != nil {
		return false, err
	}
	*mod = *stored

	d.Log.Info("upserted mod", "id", mod.ID, "version", mod.Version, "created", created)
	return created, nil
}

// FilePaths returns every blob path referenced by a row.
func (d *metadataStore) FilePaths(ctx context.Context) (map[string]struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var paths []string
	err := d.DB.WithContext(ctx).
		Model(&models.ModPackage{}).
		Distinct().
		Pluck("file_path", &paths).Error

	if err != nil {
		return nil, operrors.Database(err, "op", "file_paths")
	}

	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		out[p] = struct{}{}
	}
	return out, nil
}
