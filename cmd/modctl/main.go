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
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/modhub/modhub/cmd/modctl/download"
	"github.com/modhub/modhub/cmd/modctl/list"
	"github.com/modhub/modhub/cmd/modctl/pack"
	"github.com/modhub/modhub/cmd/modctl/setup"
	"github.com/modhub/modhub/cmd/modctl/smoke"
	"github.com/modhub/modhub/cmd/modctl/upload"
	"github.com/modhub/modhub/cmd/modctl/util"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "modctl",
		Short: "Command line client for the modhub service.",
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(setup.SetupCmd)
	rootCmd.AddCommand(upload.UploadCmd)
	rootCmd.AddCommand(list.ListCmd)
	rootCmd.AddCommand(download.DownloadCmd)
	rootCmd.AddCommand(pack.PackCmd)
	rootCmd.AddCommand(smoke.SmokeCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.StringP("address", "a", "localhost:8080", "address of the modhub service")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.String("ca-path", "", "CA bundle used to verify the service certificate")
	flags.Duration("timeout", util.DefaultTimeout, "timeout of a single request")
	flags.Uint("retries", 3, "attempts per request")
	flags.BoolP("verbose", "v", false, "verbose logging")

	for _, name := range []string{"address", "insecure", "ca-path", "timeout", "retries", "verbose"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func initConfig() {
	viper.SetEnvPrefix(utils.ENV_PREFIX)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
