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

package database

import (
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/modhub/modhub/pkg/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type DatabaseConfig struct {
	Path    string
	Verbose bool
	Retries int
}

// Open connects to the sqlite database at cfg.Path, creating its directory
// if needed. The pool is pinned to one connection: the metadata store is
// a single shared connection.
func Open(cfg DatabaseConfig) (*gorm.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is blank")
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "can't create %s", dir)
		}
	}

	logMode := gormlogger.Silent
	if cfg.Verbose {
		logMode = gormlogger.Info
	}

	dsn := cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL"

	var db *gorm.DB
	err := utils.Retry(func() error {
		var err error
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(logMode),
		})
		if err != nil {
			return err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(1)
		return sqlDB.Ping()
	}, cfg.Retries)

	if err != nil {
		return nil, errors.WrapWithDetails(err, "failed to open database", "path", cfg.Path)
	}
	return db, nil
}
