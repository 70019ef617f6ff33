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

package models

import (
	"encoding/base64"
	"time"
)

// ModPackage is the metadata row of an uploaded mod. Exactly one row exists
// per ID; FilePath locates the archive in the blob store.
type ModPackage struct {
	ID        string `gorm:"primaryKey;type:text" json:"id"`
	Title     string `gorm:"type:text" json:"title"`
	Version   string `gorm:"type:text" json:"version"`
	Thumbnail string `gorm:"type:text" json:"thumbnail"`
	FilePath  string `gorm:"type:text" json:"file_path"`

	Checksum string `gorm:"type:text" json:"checksum"`
	Size     int64  `json:"size"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ModPackage) TableName() string {
	return "mods"
}

// OverwriteColumns are the columns replaced when an existing row is
// uploaded again. created_at is kept.
var OverwriteColumns = []string{
	"title",
	"version",
	"thumbnail",
	"file_path",
	"checksum",
	"size",
	"updated_at",
}

// EncodeThumbnail returns the text-safe form stored in the thumbnail column.
func EncodeThumbnail(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeThumbnail reverses EncodeThumbnail.
func (m *ModPackage) DecodeThumbnail() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Thumbnail)
}
