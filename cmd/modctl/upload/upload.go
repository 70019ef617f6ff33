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
package upload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/modhub/modhub/cmd/modctl/util"
	"github.com/modhub/modhub/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type UploadConfig struct {
	ID            string
	Title         string
	Version       string
	ThumbnailPath string
	FilePath      string
	Dir           string
}

var uc UploadConfig

var UploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a mod package",
	Long: `Upload a mod package.

The archive is either an existing .gz file (--file) or a directory that
is packed into a gzip'd tar before sending (--dir).`,
	Example: `
    # Upload an archive
    modctl upload --id my-mod --title "My Mod" --version 1.0.0 --file my-mod.gz

    # Pack a directory and upload it with a thumbnail
    modctl upload --id my-mod --dir ./my-mod --thumbnail icon.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := util.InitLog()
		if err != nil {
			return err
		}

		c, err := util.InitClient(log)
		if err != nil {
			return err
		}

		req, err := uc.request()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
		defer cancel()

		resp, err := c.Upload(ctx, *req)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		verb := "updated"
		if resp.Created {
			verb = "created"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d bytes, sha256 %s)\n", verb, resp.ID, resp.Size, resp.Checksum)
		return nil
	},
}

func init() {
	UploadCmd.Flags().StringVarP(&uc.ID, "id", "i", "", "id of the package")
	UploadCmd.Flags().StringVarP(&uc.Title, "title", "t", "", "display title")
	UploadCmd.Flags().StringVar(&uc.Version, "version", "", "version string")
	UploadCmd.Flags().StringVar(&uc.ThumbnailPath, "thumbnail", "", "path to a thumbnail image")
	UploadCmd.Flags().StringVarP(&uc.FilePath, "file", "f", "", "path to the archive")
	UploadCmd.Flags().StringVarP(&uc.Dir, "dir", "d", "", "directory to pack and upload")
	UploadCmd.MarkFlagRequired("id")
	UploadCmd.MarkFlagsMutuallyExclusive("file", "dir")
}

func (uc *UploadConfig) request() (*client.UploadRequest, error) {
	if strings.TrimSpace(uc.ID) == "" {
		return nil, fmt.Errorf("package id is blank")
	}

	req := &client.UploadRequest{
		ID:      uc.ID,
		Title:   uc.Title,
		Version: uc.Version,
	}

	if uc.ThumbnailPath != "" {
		thumbnail, err := os.ReadFile(uc.ThumbnailPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read thumbnail: %w", err)
		}
		req.Thumbnail = thumbnail
	}

	switch {
	case uc.FilePath != "":
		archive, err := os.ReadFile(uc.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		req.Archive = archive
	case uc.Dir != "":
		buf := &bytes.Buffer{}
		if err := client.Pack(uc.Dir, buf); err != nil {
			return nil, err
		}
		req.Archive = buf.Bytes()
	default:
		return nil, fmt.Errorf("one of --file or --dir is required")
	}

	return req, nil
}
