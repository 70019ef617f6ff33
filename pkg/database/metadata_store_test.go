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
	"math"
	"path/filepath"

	"emperror.dev/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/utils/operrors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var _ = Describe("metadata store", func() {
	var (
		db     *gorm.DB
		sut    MetadataStore
		closer io.Closer
		ctx    = context.Background()
	)

	newMod := func(id string) *models.ModPackage {
		return &models.ModPackage{
			ID:        id,
			Title:     "Title " + id,
			Version:   "1.0.0",
			Thumbnail: models.EncodeThumbnail([]byte("png-" + id)),
			FilePath:  "/mods/" + id + ".gz",
			Checksum:  "abc",
			Size:      3,
		}
	}

	BeforeEach(func() {
		var err error
		db, err = Open(DatabaseConfig{Path: filepath.Join(GinkgoT().TempDir(), "mods.db")})
		Expect(err).To(Succeed())

		sut, closer = New(db)
		Expect(sut.EnsureSchema(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(closer.Close()).To(Succeed())
	})

	Context("schema", func() {
		It("should be idempotent", func() {
			Expect(sut.EnsureSchema(ctx)).To(Succeed())
			Expect(sut.EnsureSchema(ctx)).To(Succeed())
			Expect(db.Migrator().HasTable("mods")).To(BeTrue())
		})

		It("should recreate a dropped table", func() {
			Expect(db.Migrator().DropTable("mods")).To(Succeed())
			Expect(sut.EnsureSchema(ctx)).To(Succeed())
			Expect(db.Migrator().HasTable("mods")).To(BeTrue())
		})

		It("should answer pings", func() {
			Expect(sut.Ping(ctx)).To(Succeed())
		})
	})

	Context("crud", func() {
		It("should insert, get and update", func() {
			mod := newMod("m1")
			Expect(sut.Insert(ctx, mod)).To(Succeed())
			Expect(sut.Exists(ctx, "m1")).To(BeTrue())

			got, err := sut.Get(ctx, "m1")
			Expect(err).To(Succeed())
			Expect(got.Title).To(Equal("Title m1"))
			Expect(got.FilePath).To(Equal("/mods/m1.gz"))

			update := &models.ModPackage{ID: "m1", Title: "T2", FilePath: "/mods/m1.gz"}
			Expect(sut.Update(ctx, update)).To(Succeed())

			got, err = sut.Get(ctx, "m1")
			Expect(err).To(Succeed())
			Expect(got.Title).To(Equal("T2"))
			Expect(got.Version).To(BeEmpty())
			Expect(got.Thumbnail).To(BeEmpty())
		})

		It("should reject a duplicate insert", func() {
			Expect(sut.Insert(ctx, newMod("m1"))).To(Succeed())

			err := sut.Insert(ctx, newMod("m1"))
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, operrors.ErrDatabase)).To(BeTrue())
		})

		It("should report missing rows", func() {
			Expect(sut.Exists(ctx, "nope")).To(BeFalse())

			_, err := sut.Get(ctx, "nope")
			Expect(errors.Is(err, operrors.ErrNotFound)).To(BeTrue())

			err = sut.Update(ctx, newMod("nope"))
			Expect(errors.Is(err, operrors.ErrNotFound)).To(BeTrue())
		})
	})

	Context("upsert", func() {
		It("should create then overwrite every field", func() {
			created, err := sut.Upsert(ctx, newMod("m1"))
			Expect(err).To(Succeed())
			Expect(created).To(BeTrue())

			first, err := sut.Get(ctx, "m1")
			Expect(err).To(Succeed())

			partial := &models.ModPackage{ID: "m1", Title: "T2", FilePath: "/mods/m1.gz"}
			created, err = sut.Upsert(ctx, partial)
			Expect(err).To(Succeed())
			Expect(created).To(BeFalse())

			Expect(partial.Title).To(Equal("T2"))
			Expect(partial.Version).To(BeEmpty())
			Expect(partial.Thumbnail).To(BeEmpty())
			Expect(partial.CreatedAt.Equal(first.CreatedAt)).To(BeTrue())
			Expect(partial.UpdatedAt).To(BeTemporally(">=", first.UpdatedAt))

			mods, _, err := sut.List(ctx)
			Expect(err).To(Succeed())
			Expect(mods).To(HaveLen(1))
		})

		It("should leave one row for identical uploads", func() {
			for i := 0; i < 3; i++ {
				_, err := sut.Upsert(ctx, newMod("m1"))
				Expect(err).To(Succeed())
			}

			mods, _, err := sut.List(ctx)
			Expect(err).To(Succeed())
			Expect(mods).To(HaveLen(1))
			Expect(mods[0].Title).To(Equal("Title m1"))
		})

		It("should not lose concurrent upserts", func() {
			var g errgroup.Group
			for i := 0; i < 20; i++ {
				id := fmt.Sprintf("mod-%d", i%5)
				g.Go(func() error {
					_, err := sut.Upsert(ctx, newMod(id))
					return err
				})
			}
			Expect(g.Wait()).To(Succeed())

			mods, _, err := sut.List(ctx)
			Expect(err).To(Succeed())
			Expect(mods).To(HaveLen(5))
		})

		It("should fail open when the existence check fails", func() {
			Expect(db.Migrator().DropTable("mods")).To(Succeed())

			Expect(sut.Exists(ctx, "m1")).To(BeFalse())

			_, err := sut.Upsert(ctx, newMod("m1"))
			Expect(errors.Is(err, operrors.ErrDatabase)).To(BeTrue())
		})
	})

	Context("list", func() {
		BeforeEach(func() {
			for i := 0; i < 25; i++ {
				_, err := sut.Upsert(ctx, newMod(fmt.Sprintf("mod-%02d", i)))
				Expect(err).To(Succeed())
			}
		})

		It("should list every row without pagination", func() {
			mods, token, err := sut.List(ctx)
			Expect(err).To(Succeed())
			Expect(token).To(BeEmpty())
			Expect(mods).To(HaveLen(25))
		})

		It("should paginate", func() {
			results, token, err := sut.List(ctx, Paginate(1, 10))
			Expect(err).To(Succeed())
			Expect(token).To(Equal("2"))
			Expect(results).To(HaveLen(10))

			results2, token, err := sut.List(ctx, Paginate(2, 10))
			Expect(err).To(Succeed())
			Expect(token).To(Equal("3"))
			Expect(results2).To(HaveLen(10))
			Expect(results2[0].ID).ToNot(Equal(results[0].ID))

			results3, token, err := sut.List(ctx, Paginate(3, 10))
			Expect(err).To(Succeed())
			Expect(token).To(BeEmpty())
			Expect(results3).To(HaveLen(5))
		})

		It("should clamp pages whose offset would overflow", func() {
			page, pageSize := ListPagination{Page: math.MaxInt, PageSize: 10}.normalized()
			Expect(pageSize).To(Equal(10))
			Expect(page).To(Equal(math.MaxInt / 10))

			results, token, err := sut.List(ctx, Paginate(math.MaxInt, 10))
			Expect(err).To(Succeed())
			Expect(token).To(BeEmpty())
			Expect(results).To(BeEmpty())
		})

		It("should collect referenced file paths", func() {
			paths, err := sut.FilePaths(ctx)
			Expect(err).To(Succeed())
			Expect(paths).To(HaveLen(25))
			Expect(paths).To(HaveKey("/mods/mod-00.gz"))
		})
	})
})
