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

package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/modhub/modhub/internal/server"
	"github.com/modhub/modhub/pkg/blobstore"
	"github.com/modhub/modhub/pkg/database"
	"github.com/modhub/modhub/pkg/ingest"
	"github.com/modhub/modhub/pkg/upload"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var _ = Describe("client", func() {
	var (
		ts     *httptest.Server
		closer io.Closer
		sut    *Client
		ctx    = context.Background()
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()

		blobs, err := blobstore.NewFileBlobstore(filepath.Join(dir, "mods"))
		Expect(err).To(Succeed())

		db, err := database.Open(database.DatabaseConfig{Path: filepath.Join(dir, "mods.db")})
		Expect(err).To(Succeed())

		var store database.MetadataStore
		store, closer = database.New(db)

		srv := &server.Server{
			Log:     logf.Log.WithName("server"),
			Service: ingest.NewCoordinator(upload.NewAssembler(upload.Config{StrictFieldOrder: true}), blobs, store),
		}
		ts = httptest.NewServer(srv.Handler())

		sut, err = New(ts.URL, logf.Log.WithName("client"))
		Expect(err).To(Succeed())
	})

	AfterEach(func() {
		ts.Close()
		Expect(closer.Close()).To(Succeed())
	})

	It("should run setup, upload, list, download and compare", func() {
		Expect(sut.Setup(ctx)).To(Succeed())

		archive := []byte("Test mod content")
		resp, err := sut.Upload(ctx, UploadRequest{
			ID:        "test-mod-1",
			Title:     "Test Mod Title",
			Version:   "1.0.0",
			Thumbnail: []byte("Test thumbnail content"),
			Archive:   archive,
		})
		Expect(err).To(Succeed())
		Expect(resp.Created).To(BeTrue())
		Expect(resp.Size).To(Equal(int64(len(archive))))

		mods, err := sut.List(ctx, 0)
		Expect(err).To(Succeed())
		Expect(mods).To(HaveLen(1))
		Expect(mods[0].Title).To(Equal("Test Mod Title"))

		dest := filepath.Join(GinkgoT().TempDir(), "downloaded_mod.gz")
		n, err := sut.Download(ctx, "test-mod-1", dest)
		Expect(err).To(Succeed())
		Expect(n).To(Equal(int64(len(archive))))

		downloaded, err := os.ReadFile(dest)
		Expect(err).To(Succeed())
		Expect(downloaded).To(Equal(archive))
	})

	It("should follow pages", func() {
		for i := 0; i < 7; i++ {
			_, err := sut.Upload(ctx, UploadRequest{ID: fmt.Sprintf("mod-%02d", i), Archive: []byte{byte(i)}})
			Expect(err).To(Succeed())
		}

		mods, err := sut.List(ctx, 3)
		Expect(err).To(Succeed())
		Expect(mods).To(HaveLen(7))
		Expect(mods[6].ID).To(Equal("mod-06"))
	})

	It("should surface not found without writing a file", func() {
		dest := filepath.Join(GinkgoT().TempDir(), "missing.gz")
		_, err := sut.Download(ctx, "never-uploaded", dest)
		Expect(IsNotFound(err)).To(BeTrue())
		Expect(dest).NotTo(BeAnExistingFile())

		_, err = sut.Get(ctx, "never-uploaded")
		Expect(IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("retries", func() {
	var (
		calls atomic.Int32
		ts    *httptest.Server
		sut   *Client
	)

	newServer := func(handler http.HandlerFunc) {
		ts = httptest.NewServer(handler)
		var err error
		sut, err = New(ts.URL, logf.Log.WithName("client"))
		Expect(err).To(Succeed())
		sut.Delay = 10 * time.Millisecond
	}

	BeforeEach(func() {
		calls.Store(0)
	})

	AfterEach(func() {
		ts.Close()
	})

	It("should retry server errors", func() {
		newServer(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		Expect(sut.Setup(context.Background())).To(Succeed())
		Expect(calls.Load()).To(Equal(int32(3)))
	})

	It("should not retry client errors", func() {
		newServer(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"upload failed: multipart: NextPart: EOF"}`))
		})

		_, err := sut.Upload(context.Background(), UploadRequest{ID: "m1"})
		Expect(err).To(MatchError(ContainSubstring("upload failed")))
		Expect(calls.Load()).To(Equal(int32(1)))
	})

	It("should give up after the configured attempts", func() {
		newServer(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})

		err := sut.Setup(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(calls.Load()).To(Equal(int32(sut.Attempts)))
	})
})

var _ = Describe("pack", func() {
	It("should pack a directory tree", func() {
		dir := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(dir, "textures"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "mod.json"), []byte(`{"name":"m1"}`), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "textures", "stone.png"), []byte("png"), 0o644)).To(Succeed())

		buf := &bytes.Buffer{}
		Expect(Pack(dir, buf)).To(Succeed())

		names, err := Entries(buf)
		Expect(err).To(Succeed())
		Expect(names).To(ConsistOf("mod.json", "textures/stone.png"))
	})

	It("should remove the output when packing fails", func() {
		dest := filepath.Join(GinkgoT().TempDir(), "out.gz")
		err := PackFile(filepath.Join(GinkgoT().TempDir(), "missing"), dest)
		Expect(err).To(HaveOccurred())
		Expect(dest).NotTo(BeAnExistingFile())
	})

	It("should reject data that is not gzip", func() {
		_, err := Entries(bytes.NewReader([]byte("plain text")))
		Expect(err).To(HaveOccurred())
	})
})
