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
package setup

import (
	"context"
	"fmt"

	"github.com/modhub/modhub/cmd/modctl/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var SetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Ensure the service schema exists",
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

		if err := c.Setup(ctx); err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "setup complete")
		return nil
	},
}
