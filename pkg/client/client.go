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
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/modhub/modhub/pkg/models"
	"github.com/modhub/modhub/pkg/upload"
)

const nextPageHeader = "X-Next-Page-Token"

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

type UploadRequest struct {
	ID        string
	Title     string
	Version   string
	Thumbnail []byte
	Archive   []byte
}

type UploadResponse struct {
	ID       string `json:"id"`
	Created  bool   `json:"created"`
	FilePath string `json:"file_path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type Client struct {
	BaseURL    *url.URL
	HTTPClient *http.Client
	Attempts   uint
	Delay      time.Duration
	Log        logr.Logger
}

func New(address string, log logr.Logger) (*Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("target address is blank/empty")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	base, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse address")
	}

	return &Client{
		BaseURL:    base,
		HTTPClient: &http.Client{},
		Attempts:   3,
		Delay:      200 * time.Millisecond,
		Log:        log,
	}, nil
}

func (c *Client) Setup(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, []string{"setup"}, nil, nil, "", func(resp *http.Response) error {
		return nil
	})
}

// List returns every package, following pagination when pageSize > 0.
func (c *Client) List(ctx context.Context, pageSize int) ([]models.ModPackage, error) {
	if pageSize <= 0 {
		var mods []models.ModPackage
		err := c.do(ctx, http.MethodGet, []string{"metadata"}, nil, nil, "", decodeInto(&mods))
		return mods, err
	}

	all := []models.ModPackage{}
	next := "1"
	for next != "" {
		var (
			mods []models.ModPackage
			page = next
		)
		query := url.Values{"page": {page}, "page_size": {strconv.Itoa(pageSize)}}
		err := c.do(ctx, http.MethodGet, []string{"metadata"}, query, nil, "", func(resp *http.Response) error {
			next = resp.Header.Get(nextPageHeader)
			return decodeInto(&mods)(resp)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, mods...)
	}
	return all, nil
}

func (c *Client) Get(ctx context.Context, id string) (*models.ModPackage, error) {
	mod := &models.ModPackage{}
	err := c.do(ctx, http.MethodGet, []string{"metadata", id}, nil, nil, "", decodeInto(mod))
	if err != nil {
		return nil, err
	}
	return mod, nil
}

// Upload sends the package. The id part always precedes the file part.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	for _, field := range []struct{ name, value string }{
		{upload.FieldID, req.ID},
		{upload.FieldTitle, req.Title},
		{upload.FieldVersion, req.Version},
	} {
		if err := w.WriteField(field.name, field.value); err != nil {
			return nil, err
		}
	}

	if req.Thumbnail != nil {
		if err := writeFile(w, upload.FieldThumbnail, "thumbnail.png", req.Thumbnail); err != nil {
			return nil, err
		}
	}

	if err := writeFile(w, upload.FieldFile, req.ID+".gz", req.Archive); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	resp := &UploadResponse{}
	err := c.do(ctx, http.MethodPost, []string{"upload"}, nil, body.Bytes(), w.FormDataContentType(), decodeInto(resp))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Download writes the archive for id to destinationPath, replacing it
// atomically.
func (c *Client) Download(ctx context.Context, id, destinationPath string) (int64, error) {
	var n int64
	err := c.do(ctx, http.MethodGet, []string{"download", id}, nil, nil, "", func(resp *http.Response) error {
		var err error
		n, err = writeToFile(c.Log, resp.Body, destinationPath)
		return err
	})
	return n, err
}

func writeFile(w *multipart.Writer, field, name string, data []byte) error {
	fw, err := w.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	_, err = fw.Write(data)
	return err
}

func decodeInto(v interface{}) func(*http.Response) error {
	return func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(v)
	}
}

// do sends the request, retrying transport failures and 5xx answers.
func (c *Client) do(
	ctx context.Context,
	method string,
	path []string,
	query url.Values,
	body []byte,
	contentType string,
	handle func(*http.Response) error,
) error {
	target := c.BaseURL.JoinPath(path...)
	target.RawQuery = query.Encode()

	return retry.Do(
		func() error {
			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}

			req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}

			c.Log.V(5).Info("sending request", "method", method, "url", target.String())

			resp, err := c.HTTPClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				statusErr := readStatusError(resp)
				if resp.StatusCode < 500 {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			if err := handle(resp); err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.Attempts),
		retry.Delay(c.Delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.Log.Info("retrying request", "attempt", n+1, "url", target.String(), "error", err.Error())
		}),
	)
}

func readStatusError(resp *http.Response) error {
	statusErr := &StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		statusErr.Message = body.Error
	}
	return statusErr
}

func writeToFile(log logr.Logger, src io.Reader, destinationPath string) (int64, error) {
	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, errors.Wrap(err, "creating temp file")
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, errors.Wrap(err, "downloading from upstream source")
	}

	if err := tempFile.Close(); err != nil {
		return n, errors.Wrap(err, "closing temp file")
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, errors.Wrap(err, "renaming temp file")
	}
	shouldDeleteTempFile = false

	return n, nil
}
