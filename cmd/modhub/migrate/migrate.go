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
package migrate

import (
	"emperror.dev/errors"
	"github.com/modhub/modhub/pkg/config"
	"github.com/modhub/modhub/pkg/database"
	"github.com/modhub/modhub/pkg/utils/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ProvideConfig(viper.GetViper())
		if err != nil {
			return err
		}

		zlog, err := logger.NewZapLogger(cfg.Development, cfg.Verbose)
		if err != nil {
			return err
		}
		logger.SetLogger(zlog)
		log := zlog.WithName("migrate")

		db, err := database.Open(database.DatabaseConfig{Path: cfg.Database, Verbose: cfg.Verbose})
		if err != nil {
			return err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		if err := database.Migrate(db); err != nil {
			return errors.WrapIfWithDetails(err, "migration failed", "database", cfg.Database)
		}

		log.Info("schema is up to date", "database", cfg.Database)
		return nil
	},
}
