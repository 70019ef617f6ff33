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
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"
)

var _ = Describe("Config", func() {
	Context("with defaults", func() {
		It("should set defaults", func() {
			cfg, err := ProvideConfig(viper.New())
			Expect(err).To(Succeed())
			Expect(cfg).ToNot(BeNil())

			Expect(cfg.Listen).To(Equal(":8080"))
			Expect(cfg.Database).To(Equal(filepath.Join("data", "mods.db")))
			Expect(cfg.BlobRoot).To(Equal(filepath.Join("data", "mods")))
			Expect(cfg.ThumbnailDir).To(Equal(filepath.Join("data", "thumbnails")))
			Expect(cfg.MaxUploadSize).To(BeNumerically("==", DefaultMaxUploadSize))
			Expect(cfg.StrictFieldOrder).To(BeFalse())
			Expect(cfg.Sweep.Interval).To(Equal(time.Hour))
			Expect(cfg.Sweep.GracePeriod).To(Equal(15 * time.Minute))
			Expect(cfg.TLS.Enabled()).To(BeFalse())
		})
	})

	Context("with environment overrides", func() {
		BeforeEach(func() {
			os.Setenv("MODHUB_DATA_DIR", "/srv/modhub")
			os.Setenv("MODHUB_BLOB_ROOT", "gs://mods-bucket/archives")
			os.Setenv("MODHUB_SWEEP_INTERVAL", "30m")
			os.Setenv("MODHUB_STRICT_FIELD_ORDER", "true")
		})

		AfterEach(func() {
			os.Unsetenv("MODHUB_DATA_DIR")
			os.Unsetenv("MODHUB_BLOB_ROOT")
			os.Unsetenv("MODHUB_SWEEP_INTERVAL")
			os.Unsetenv("MODHUB_STRICT_FIELD_ORDER")
		})

		It("should read the environment", func() {
			cfg, err := ProvideConfig(viper.New())

			Expect(err).To(Succeed())
			Expect(cfg.DataDir).To(Equal("/srv/modhub"))
			Expect(cfg.Database).To(Equal("/srv/modhub/mods.db"))
			Expect(cfg.BlobRoot).To(Equal("gs://mods-bucket/archives"))
			Expect(cfg.Sweep.Interval).To(Equal(30 * time.Minute))
			Expect(cfg.StrictFieldOrder).To(BeTrue())
		})
	})

	Context("with invalid values", func() {
		It("should reject a half configured tls pair", func() {
			v := viper.New()
			v.Set("tls.cert", "/etc/modhub/tls.crt")

			_, err := ProvideConfig(v)
			Expect(err).To(HaveOccurred())
		})

		It("should reject a non positive upload limit", func() {
			v := viper.New()
			v.Set("max-upload-size", 0)

			_, err := ProvideConfig(v)
			Expect(err).To(HaveOccurred())
		})
	})
})
