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

package client

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/klauspost/compress/gzip"
)

// Pack writes dir as a gzip'd tar stream. Entry names are relative to dir
// and use forward slashes. Symlinks and other special files are skipped.
func Pack(dir string, w io.Writer) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errors.WrapIfWithDetails(err, "failed to pack directory", "dir", dir)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// PackFile packs dir into a gzip'd tar file at dest.
func PackFile(dir, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	if err := Pack(dir, f); err != nil {
		return errors.Combine(err, f.Close(), os.Remove(dest))
	}
	return f.Close()
}

// Entries lists the file names in a gzip'd tar stream.
func Entries(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "not a gzip stream")
	}
	defer gz.Close()

	names := []string{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}
