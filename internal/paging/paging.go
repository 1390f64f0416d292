// Package paging validates page/limit parameters and builds the pagination
// block returned by list endpoints.
package paging

import "github.com/kalambet/learnd/internal/apperr"

const MaxLimit = 100

// Pagination describes one page of a result set.
type Pagination struct {
	CurrentPage    int `json:"currentPage"`
	TotalPages     int `json:"totalPages"`
	TotalRecords   int `json:"totalRecords"`
	RecordsPerPage int `json:"recordsPerPage"`
}

// Validate requires page >= 1 and 1 <= limit <= MaxLimit.
func Validate(page, limit int) error {
	if page < 1 {
		return apperr.E(apperr.Validation, "page must be >= 1")
	}
	if limit < 1 || limit > MaxLimit {
		return apperr.E(apperr.Validation, "limit must be between 1 and %d", MaxLimit)
	}
	return nil
}

// Offset is the number of records before page.
func Offset(page, limit int) int {
	return (page - 1) * limit
}

func New(page, limit, total int) Pagination {
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{CurrentPage: page, TotalPages: pages, TotalRecords: total, RecordsPerPage: limit}
}
