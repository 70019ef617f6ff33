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

	"github.com/modhub/modhub/cmd/modhub/migrate"
	"github.com/modhub/modhub/cmd/modhub/serve"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "modhub",
		Short: "Mod package upload and download service.",
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serve.ServeCmd)
	rootCmd.AddCommand(migrate.MigrateCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.String("data-dir", "./data", "directory holding the database, blobs and thumbnails")
	flags.String("database", "", "sqlite database path (default <data-dir>/mods.db)")
	flags.BoolP("verbose", "v", false, "verbose logging")
	flags.Bool("development", false, "human readable console logs")

	for _, name := range []string{"data-dir", "database", "verbose", "development"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func initConfig() {
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
