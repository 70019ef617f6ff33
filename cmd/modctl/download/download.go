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
package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modhub/modhub/cmd/modctl/util"
	"github.com/modhub/modhub/pkg/client"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type DownloadConfig struct {
	ID              string
	OutputDirectory string
	OutputFile      string
}

var dc DownloadConfig

var DownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the archive of a mod package",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := util.InitLog()
		if err != nil {
			return err
		}

		c, err := util.InitClient(log)
		if err != nil {
			return err
		}

		dest, err := dc.destination()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
		defer cancel()

		n, err := c.Download(ctx, dc.ID, dest)
		if client.IsNotFound(err) {
			return fmt.Errorf("mod %q was not found", dc.ID)
		}
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "downloaded %d bytes to %s\n", n, dest)
		return nil
	},
}

func init() {
	DownloadCmd.Flags().StringVarP(&dc.ID, "id", "i", "", "id of the package")
	DownloadCmd.Flags().StringVarP(&dc.OutputDirectory, "output-directory", "o", ".", "directory to download into")
	DownloadCmd.Flags().StringVarP(&dc.OutputFile, "output-file", "f", "", "file to write, overrides --output-directory")
	DownloadCmd.MarkFlagRequired("id")
}

func (dc *DownloadConfig) destination() (string, error) {
	id := strings.TrimSpace(dc.ID)
	if id == "" {
		return "", fmt.Errorf("package id is blank")
	}

	if dc.OutputFile != "" {
		return dc.OutputFile, nil
	}

	if err := os.MkdirAll(dc.OutputDirectory, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dc.OutputDirectory, filepath.Base(id)+utils.ARCHIVE_SUFFIX), nil
}
