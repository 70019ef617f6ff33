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
package smoke

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/modhub/modhub/cmd/modctl/util"
	"github.com/modhub/modhub/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var SmokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run setup, upload, list and download against a live service",
	Long: `Uploads a throwaway package, checks it appears in the listing and
that the downloaded archive matches what was sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := util.InitLog()
		if err != nil {
			return err
		}

		c, err := util.InitClient(log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
		defer cancel()

		return Run(ctx, c, log, cmd.OutOrStdout())
	},
}

// Run performs the round trip with c and reports each step to out.
func Run(ctx context.Context, c *client.Client, log logr.Logger, out io.Writer) error {
	id := "smoke-" + uuid.NewString()
	archive := []byte("smoke test archive " + id)

	step := func(name string, fn func() error) error {
		if err := fn(); err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", name, err)
			return errors.WrapIf(err, name)
		}
		fmt.Fprintf(out, "ok   %s\n", name)
		return nil
	}

	if err := step("setup", func() error { return c.Setup(ctx) }); err != nil {
		return err
	}

	err := step("upload", func() error {
		_, err := c.Upload(ctx, client.UploadRequest{
			ID:        id,
			Title:     "Smoke Test",
			Version:   "0.0.0",
			Thumbnail: []byte("smoke thumbnail"),
			Archive:   archive,
		})
		return err
	})
	if err != nil {
		return err
	}

	err = step("list", func() error {
		mods, err := c.List(ctx, 0)
		if err != nil {
			return err
		}
		for _, mod := range mods {
			if mod.ID == id {
				return nil
			}
		}
		return errors.NewWithDetails("uploaded mod missing from listing", "id", id, "count", len(mods))
	})
	if err != nil {
		return err
	}

	return step("download", func() error {
		dir, err := os.MkdirTemp("", "modctl-smoke")
		if err != nil {
			return err
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Error(err, "removing temp dir", "path", dir)
			}
		}()

		dest := filepath.Join(dir, "downloaded_mod.gz")
		if _, err := c.Download(ctx, id, dest); err != nil {
			return err
		}

		downloaded, err := os.ReadFile(dest)
		if err != nil {
			return err
		}
		if !bytes.Equal(downloaded, archive) {
			return errors.NewWithDetails("downloaded archive differs", "sent", len(archive), "received", len(downloaded))
		}
		return nil
	})
}
