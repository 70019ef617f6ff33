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
package util

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/modhub/modhub/pkg/client"
	"github.com/modhub/modhub/pkg/utils/logger"
	"github.com/spf13/viper"
)

// InitLog returns the command logger. Output is discarded unless verbose
// is set.
func InitLog() (logr.Logger, error) {
	if !viper.GetBool("verbose") {
		return logr.Discard(), nil
	}
	return logger.NewZapLogger(true, true)
}

// InitClient builds a service client from the address, timeout, retries
// and ca-path settings.
func InitClient(log logr.Logger) (*client.Client, error) {
	c, err := client.New(viper.GetString("address"), log)
	if err != nil {
		return nil, err
	}

	if attempts := viper.GetUint("retries"); attempts > 0 {
		c.Attempts = attempts
	}
	c.HTTPClient.Timeout = viper.GetDuration("timeout")

	tlsConfig, err := getTLS()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		c.HTTPClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return c, nil
}

func getTLS() (*tls.Config, error) {
	if viper.GetBool("insecure") {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	caPath := viper.GetString("ca-path")
	if caPath == "" {
		return nil, nil
	}

	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load ca file")
	}

	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caCert); !ok {
		return nil, errors.NewWithDetails("failed to append certs", "ca-path", caPath)
	}

	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// DefaultTimeout bounds a whole command.
const DefaultTimeout = 5 * time.Minute
