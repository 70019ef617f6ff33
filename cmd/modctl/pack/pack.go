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
package pack

import (
	"fmt"
	"os"

	"github.com/modhub/modhub/pkg/client"
	"github.com/spf13/cobra"
)

var (
	output string
	check  bool
)

var PackCmd = &cobra.Command{
	Use:   "pack DIR",
	Short: "Pack a directory into a gzip'd tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.PackFile(args[0], output); err != nil {
			return err
		}

		if !check {
			fmt.Fprintf(cmd.OutOrStdout(), "packed %s into %s\n", args[0], output)
			return nil
		}

		f, err := os.Open(output)
		if err != nil {
			return err
		}
		defer f.Close()

		names, err := client.Entries(f)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "packed %d files into %s\n", len(names), output)
		return nil
	},
}

func init() {
	PackCmd.Flags().StringVarP(&output, "output", "o", "mod.gz", "archive to write")
	PackCmd.Flags().BoolVar(&check, "list", false, "list the archive entries after packing")
}
