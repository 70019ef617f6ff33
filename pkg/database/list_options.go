package database

import (
	"math"

	"gorm.io/gorm"
)

type ListOption interface {
	ApplyToList(*ListOptions)
}

type ListOptions struct {
	Pagination *ListPagination
}

func (o *ListOptions) ApplyOptions(opts []ListOption) *ListOptions {
	for _, opt := range opts {
		opt.ApplyToList(o)
	}
	return o
}

func (o *ListOptions) scopes() []func(db *gorm.DB) *gorm.DB {
	scopesToApply := []func(db *gorm.DB) *gorm.DB{}
	for _, scope := range listScopes {
		scopesToApply = append(scopesToApply, scope.ToScope(o))
	}

	return scopesToApply
}

// Paginate limits a listing to one page. Pages start at 1.
func Paginate(page, pageSize int) ListOption {
	return ListPagination{
		Page:     page,
		PageSize: pageSize,
	}
}

type ListPagination struct {
	Page, PageSize int
}

func (l ListPagination) ApplyToList(opts *ListOptions) {
	opts.Pagination = &l
}

func (l ListPagination) normalized() (page, pageSize int) {
	page, pageSize = l.Page, l.PageSize

	if page <= 0 {
		page = 1
	}

	switch {
	case pageSize > 100:
		pageSize = 100
	case pageSize <= 0:
		pageSize = 10
	}

	// the offset (page-1)*pageSize has to fit in an int
	if max := maxPage(pageSize); page > max {
		page = max
	}
	return
}

func maxPage(pageSize int) int {
	return math.MaxInt / pageSize
}
