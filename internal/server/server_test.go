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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/modhub/modhub/internal/metrics"
	"github.com/modhub/modhub/pkg/blobstore"
	"github.com/modhub/modhub/pkg/database"
	"github.com/modhub/modhub/pkg/ingest"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/upload"
	"github.com/modhub/modhub/pkg/utils/logger"
	"github.com/modhub/modhub/pkg/utils/operrors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

func multipartBody(fields ...[2]string) (io.Reader, string) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, f := range fields {
		var (
			fw  io.Writer
			err error
		)
		if f[0] == upload.FieldFile || f[0] == upload.FieldThumbnail {
			fw, err = w.CreateFormFile(f[0], f[0]+".bin")
		} else {
			fw, err = w.CreateFormField(f[0])
		}
		Expect(err).To(Succeed())
		_, err = fw.Write([]byte(f[1]))
		Expect(err).To(Succeed())
	}
	Expect(w.Close()).To(Succeed())
	return body, w.FormDataContentType()
}

var _ = Describe("server", func() {
	var (
		ts     *httptest.Server
		sut    *Server
		closer io.Closer
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()

		blobs, err := blobstore.NewFileBlobstore(filepath.Join(dir, "mods"))
		Expect(err).To(Succeed())

		db, err := database.Open(database.DatabaseConfig{Path: filepath.Join(dir, "mods.db")})
		Expect(err).To(Succeed())

		var store database.MetadataStore
		store, closer = database.New(db)

		coordinator := ingest.NewCoordinator(upload.NewAssembler(upload.Config{}), blobs, store)
		Expect(coordinator.Setup(context.Background())).To(Succeed())

		sut = &Server{
			Log:           logf.Log.WithName("server"),
			Service:       coordinator,
			MaxUploadSize: 1 << 20,
		}
		ts = httptest.NewServer(sut.Handler())
	})

	AfterEach(func() {
		ts.Close()
		Expect(closer.Close()).To(Succeed())
	})

	post := func(fields ...[2]string) *http.Response {
		body, contentType := multipartBody(fields...)
		resp, err := http.Post(ts.URL+"/upload", contentType, body)
		Expect(err).To(Succeed())
		return resp
	}

	get := func(path string) *http.Response {
		resp, err := http.Get(ts.URL + path)
		Expect(err).To(Succeed())
		return resp
	}

	decode := func(resp *http.Response, v interface{}) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	It("should run the setup, upload, list, download flow", func() {
		resp := get("/setup")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp = post(
			[2]string{upload.FieldID, "m1"},
			[2]string{upload.FieldTitle, "Mod One"},
			[2]string{upload.FieldVersion, "1.0.0"},
			[2]string{upload.FieldThumbnail, "png"},
			[2]string{upload.FieldFile, "archive-bytes"},
		)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var uploaded UploadResponse
		decode(resp, &uploaded)
		Expect(uploaded.ID).To(Equal("m1"))
		Expect(uploaded.Created).To(BeTrue())
		Expect(uploaded.Size).To(Equal(int64(len("archive-bytes"))))

		resp = get("/metadata")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var mods []models.ModPackage
		decode(resp, &mods)
		Expect(mods).To(HaveLen(1))
		Expect(mods[0].Title).To(Equal("Mod One"))
		Expect(mods[0].Thumbnail).To(Equal(models.EncodeThumbnail([]byte("png"))))

		resp = get("/metadata/m1")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var mod models.ModPackage
		decode(resp, &mod)
		Expect(mod.Version).To(Equal("1.0.0"))

		resp = get("/download/m1")
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("application/gzip"))
		data, err := io.ReadAll(resp.Body)
		Expect(err).To(Succeed())
		Expect(string(data)).To(Equal("archive-bytes"))
	})

	It("should list an empty store as an empty array", func() {
		resp := get("/metadata")
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).To(Succeed())
		Expect(strings.TrimSpace(string(data))).To(Equal("[]"))
	})

	It("should report unknown downloads as not found", func() {
		resp := get("/download/never-uploaded")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		var body ErrorResponse
		decode(resp, &body)
		Expect(body.Error).To(ContainSubstring("not found"))
	})

	It("should report unknown routes as not found", func() {
		resp := get("/nope")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		var body ErrorResponse
		decode(resp, &body)
		Expect(body.Error).NotTo(BeEmpty())
	})

	It("should reject bodies that are not multipart", func() {
		resp, err := http.Post(ts.URL+"/upload", "application/json", strings.NewReader(`{"id":"m1"}`))
		Expect(err).To(Succeed())
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		resp.Body.Close()
	})

	It("should reject ids that would escape the blob root", func() {
		resp := post([2]string{upload.FieldID, "a/b"}, [2]string{upload.FieldFile, "x"})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		var body ErrorResponse
		decode(resp, &body)
		Expect(body.Error).To(ContainSubstring("invalid blob id"))

		resp = get("/metadata/a/b")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		resp.Body.Close()
	})

	It("should reject oversized uploads", func() {
		body, contentType := multipartBody(
			[2]string{upload.FieldID, "big"},
			[2]string{upload.FieldFile, strings.Repeat("x", 2<<20)},
		)
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", contentType)

		rec := httptest.NewRecorder()
		sut.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))

		resp := get("/metadata/big")
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		resp.Body.Close()
	})

	It("should paginate listings", func() {
		for _, id := range []string{"a", "b", "c"} {
			resp := post([2]string{upload.FieldID, id}, [2]string{upload.FieldFile, id})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		}

		resp := get("/metadata?page=1&page_size=2")
		Expect(resp.Header.Get(NextPageHeader)).To(Equal("2"))
		var mods []models.ModPackage
		decode(resp, &mods)
		Expect(mods).To(HaveLen(2))

		resp = get("/metadata?page=2&page_size=2")
		Expect(resp.Header.Get(NextPageHeader)).To(BeEmpty())
		decode(resp, &mods)
		Expect(mods).To(HaveLen(1))
		Expect(mods[0].ID).To(Equal("c"))

		resp = get("/metadata?page=two")
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		resp.Body.Close()

		resp = get("/metadata?page=99999999999999999999")
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		resp.Body.Close()

		resp = get(fmt.Sprintf("/metadata?page=%d&page_size=2", math.MaxInt))
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get(NextPageHeader)).To(BeEmpty())
		decode(resp, &mods)
		Expect(mods).To(BeEmpty())
	})

	It("should echo request ids", func() {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		Expect(err).To(Succeed())
		req.Header.Set(logger.RequestIDHeader, "req-123")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).To(Succeed())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get(logger.RequestIDHeader)).To(Equal("req-123"))

		resp = get("/healthz")
		resp.Body.Close()
		Expect(resp.Header.Get(logger.RequestIDHeader)).NotTo(BeEmpty())
	})
})

type failingService struct {
	err error
}

func (f *failingService) Ingest(context.Context, upload.PartReader) (*ingest.Result, error) {
	return &ingest.Result{State: ingest.Aborted}, f.err
}

func (f *failingService) Download(context.Context, string) (*models.ModPackage, io.ReadCloser, error) {
	return nil, nil, f.err
}

func (f *failingService) List(context.Context, ...database.ListOption) ([]models.ModPackage, string, error) {
	return nil, "", f.err
}

func (f *failingService) Get(context.Context, string) (*models.ModPackage, error) {
	return nil, f.err
}

func (f *failingService) Setup(context.Context) error { return f.err }

func (f *failingService) Ping(context.Context) error { return f.err }

var _ = Describe("error translation", func() {
	DescribeTable("should map error kinds to statuses",
		func(err error, path string, status int) {
			sut := &Server{Service: &failingService{err: err}}

			rec := httptest.NewRecorder()
			sut.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			Expect(rec.Code).To(Equal(status))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var body ErrorResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.Error).To(Equal(err.Error()))
		},
		Entry("database", operrors.Database(errors.New("database is locked")), "/metadata", http.StatusInternalServerError),
		Entry("file", operrors.File(errors.New("permission denied")), "/download/m1", http.StatusInternalServerError),
		Entry("not found", operrors.NotFound(errors.New("record not found")), "/metadata/m1", http.StatusNotFound),
		Entry("setup", operrors.Database(errors.New("disk full")), "/setup", http.StatusInternalServerError),
		Entry("unhealthy", operrors.Database(errors.New("closed")), "/healthz", http.StatusServiceUnavailable),
	)
})

var _ = Describe("metrics", func() {
	It("should record requests and upload outcomes", func() {
		dir := GinkgoT().TempDir()

		blobs, err := blobstore.NewFileBlobstore(filepath.Join(dir, "mods"))
		Expect(err).To(Succeed())
		db, err := database.Open(database.DatabaseConfig{Path: filepath.Join(dir, "mods.db")})
		Expect(err).To(Succeed())
		store, closer := database.New(db)
		defer closer.Close()

		sut := &Server{
			Log:     logf.Log.WithName("server"),
			Service: ingest.NewCoordinator(upload.NewAssembler(upload.Config{StrictFieldOrder: true}), blobs, store),
			Metrics: metrics.New(),
		}
		handler := sut.Handler()

		send := func(fields ...[2]string) int {
			body, contentType := multipartBody(fields...)
			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			return rec.Code
		}

		Expect(send([2]string{upload.FieldID, "m1"}, [2]string{upload.FieldFile, "12345"})).To(Equal(http.StatusOK))
		Expect(send([2]string{upload.FieldFile, "12345"}, [2]string{upload.FieldID, "m2"})).To(Equal(http.StatusBadRequest))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))

		body := rec.Body.String()
		Expect(body).To(ContainSubstring(`modhub_ingest_uploads_total{kind="none",state="Committed"} 1`))
		Expect(body).To(ContainSubstring(`modhub_ingest_uploads_total{kind="upload failed",state="Aborted"} 1`))
		Expect(body).To(ContainSubstring(`modhub_ingest_archive_bytes_total 5`))
		Expect(body).To(ContainSubstring(`modhub_http_requests_total{code="200",method="POST",route="POST /upload"} 1`))
	})
})

var _ = Describe("start", func() {
	It("should serve until the context is cancelled", func() {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		sut := WithCustomListener(&Server{
			Log:     logf.Log.WithName("server"),
			Service: &failingService{},
		}, func() (net.Listener, error) { return lis, nil })

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- sut.Start(ctx) }()

		Eventually(func() (int, error) {
			resp, err := http.Get("http://" + lis.Addr().String() + "/healthz")
			if err != nil {
				return 0, err
			}
			resp.Body.Close()
			return resp.StatusCode, nil
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusOK))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})
})
