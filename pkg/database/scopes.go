package database

import (
	"gorm.io/gorm"
)

var (
	listScopes = []listOptionsToScope{paginator{}}
)

type listOptionsToScope interface {
	ToScope(opts *ListOptions) func(db *gorm.DB) *gorm.DB
}

type paginator struct{}

func (p paginator) ToScope(opts *ListOptions) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if opts.Pagination == nil {
			return db
		}

		page, pageSize := opts.Pagination.normalized()

		// one extra row tells the caller whether another page exists
		offset := (page - 1) * pageSize
		return db.Offset(offset).Limit(pageSize + 1)
	}
}
