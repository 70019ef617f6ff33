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
package list

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/modhub/modhub/cmd/modctl/util"
	"github.com/modhub/modhub/pkg/client"
	"github.com/modhub/modhub/pkg/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ListConfig struct {
	PageSize  int
	OutputDir string
	OutputCSV bool
	JSON      bool
	FileName  string
	client    *client.Client
	log       logr.Logger
	out       io.Writer
}

var (
	pageSize  int
	outputDir string
	asJSON    bool
	fileName  = "mods.csv"
)

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded mod packages",
	Example: `
    # List every package
    modctl list

    # Fetch the listing in pages of 50
    modctl list --page-size 50

    # Save the listing to a csv file
    modctl list --output-dir=/path/to/dir`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
		defer cancel()

		lc, err := ProvideListConfig(pageSize, outputDir, asJSON, fileName, cmd.OutOrStdout())
		if err != nil {
			return err
		}

		if cmd.Flag("output-dir").Changed {
			lc.OutputCSV = true
		}

		return lc.listMetadata(ctx)
	},
}

func init() {
	ListCmd.Flags().IntVarP(&pageSize, "page-size", "p", 0, "fetch the listing in pages of this size")
	ListCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory to save the listing as csv")
	ListCmd.Flags().BoolVar(&asJSON, "json", false, "print the listing as json")
}

func ProvideListConfig(pageSize int, outputDir string, asJSON bool, fileName string, out io.Writer) (*ListConfig, error) {
	log, err := util.InitLog()
	if err != nil {
		return nil, err
	}

	c, err := util.InitClient(log)
	if err != nil {
		return nil, err
	}

	return &ListConfig{
		PageSize:  pageSize,
		OutputDir: outputDir,
		JSON:      asJSON,
		FileName:  fileName,
		client:    c,
		log:       log,
		out:       out,
	}, nil
}

// listMetadata fetches the listing and renders it as a table, csv or json
func (lc *ListConfig) listMetadata(ctx context.Context) error {
	mods, err := lc.client.List(ctx, lc.PageSize)
	if err != nil {
		return fmt.Errorf("failed to retrieve list due to: %v", err)
	}

	lc.log.Info("received listing", "count", len(mods))

	switch {
	case lc.JSON:
		enc := json.NewEncoder(lc.out)
		enc.SetIndent("", "  ")
		return enc.Encode(mods)
	case lc.OutputCSV:
		return lc.writeCSV(mods)
	default:
		renderTable(lc.out, mods)
		return nil
	}
}

func (lc *ListConfig) writeCSV(mods []models.ModPackage) error {
	fp := filepath.Join(lc.OutputDir, lc.FileName)
	file, err := os.OpenFile(fp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(getHeaders()); err != nil {
		return err
	}
	for i := range mods {
		if err := w.Write(parseModPackage(&mods[i])); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	fmt.Fprintf(lc.out, "saved %d rows to %s\n", len(mods), fp)
	return file.Close()
}

func renderTable(out io.Writer, mods []models.ModPackage) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(getHeaders())
	table.SetRowLine(true)

	for i := range mods {
		table.Append(parseModPackage(&mods[i]))
	}

	table.SetCaption(true, "Mods found: "+strconv.Itoa(len(mods)))
	table.Render()
}

// parseModPackage returns the table row of mod
func parseModPackage(mod *models.ModPackage) []string {
	checksum := mod.Checksum
	if len(checksum) > 12 {
		checksum = checksum[:12]
	}

	var updatedAt string
	if !mod.UpdatedAt.IsZero() {
		updatedAt = mod.UpdatedAt.UTC().Format(time.RFC3339)
	}

	return []string{
		mod.ID,
		mod.Title,
		mod.Version,
		strconv.FormatInt(mod.Size, 10),
		checksum,
		updatedAt,
	}
}

// getHeaders returns headers for csv/table
func getHeaders() []string {
	return []string{
		"ID",
		"Title",
		"Version",
		"Size",
		"Checksum",
		"Updated At",
	}
}
