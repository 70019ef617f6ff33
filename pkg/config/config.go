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

package config

import (
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/modhub/modhub/pkg/utils"
	"github.com/spf13/viper"
)

const (
	DefaultListen        = ":8080"
	DefaultDataDir       = "./data"
	DefaultMaxUploadSize = 100 << 20
)

type ServiceConfig struct {
	Listen           string `mapstructure:"listen"`
	DataDir          string `mapstructure:"data-dir"`
	Database         string `mapstructure:"database"`
	BlobRoot         string `mapstructure:"blob-root"`
	ThumbnailDir     string `mapstructure:"thumbnail-dir"`
	MaxUploadSize    int64  `mapstructure:"max-upload-size"`
	StrictFieldOrder bool   `mapstructure:"strict-field-order"`
	Verbose          bool   `mapstructure:"verbose"`
	Development      bool   `mapstructure:"development"`

	Sweep SweepConfig `mapstructure:"sweep"`
	TLS   TLSConfig   `mapstructure:"tls"`
}

type SweepConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"grace-period"`
}

type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

func (c TLSConfig) Enabled() bool {
	return c.Cert != "" && c.Key != ""
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("data-dir", DefaultDataDir)
	v.SetDefault("database", "")
	v.SetDefault("blob-root", "")
	v.SetDefault("thumbnail-dir", "")
	v.SetDefault("max-upload-size", DefaultMaxUploadSize)
	v.SetDefault("strict-field-order", false)
	v.SetDefault("verbose", false)
	v.SetDefault("development", false)
	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("sweep.grace-period", 15*time.Minute)
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
}

// ProvideConfig reads the service configuration from v, which already
// carries bound flags and an optional config file, and from MODHUB_*
// environment variables.
func ProvideConfig(v *viper.Viper) (*ServiceConfig, error) {
	cfg := &ServiceConfig{}

	replacer := strings.NewReplacer(
		".", "_",
		"-", "_",
	)
	v.SetEnvPrefix(utils.ENV_PREFIX)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	SetDefaults(v)

	err := v.Unmarshal(cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.complete(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *ServiceConfig) complete() error {
	dataDir, err := utils.ExpandHome(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dataDir

	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "mods.db")
	}
	if c.BlobRoot == "" {
		c.BlobRoot = filepath.Join(c.DataDir, "mods")
	}
	if c.ThumbnailDir == "" {
		c.ThumbnailDir = filepath.Join(c.DataDir, "thumbnails")
	}

	if c.MaxUploadSize <= 0 {
		return errors.WithDetails(errors.New("max-upload-size must be positive"), "max-upload-size", c.MaxUploadSize)
	}
	if c.Sweep.Interval < 0 || c.Sweep.GracePeriod < 0 {
		return errors.WithDetails(errors.New("sweep durations must not be negative"),
			"interval", c.Sweep.Interval, "grace-period", c.Sweep.GracePeriod)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls.cert and tls.key must be set together")
	}
	return nil
}
