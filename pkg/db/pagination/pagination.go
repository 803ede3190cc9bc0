package pagination

import (
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

type Pagination struct {
	Page     int `form:"page,default=1" validate:"gte=1"`
	PageSize int `form:"page_size,default=100" validate:"gte=1,lte=500"` // Min 1, Max 500
}

// Normalize clamps the request into valid bounds. Out-of-range values fall
// back to defaults rather than erroring so list calls stay total.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	q := p.Normalize()
	return (q.Page - 1) * q.PageSize
}

func (p Pagination) Limit() int {
	return p.Normalize().PageSize
}

// Scope applies the page window to a gorm query.
func Scope(p Pagination) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		q := p.Normalize()
		return db.Offset(q.Offset()).Limit(q.PageSize)
	}
}

type PageInfo struct {
	Page            int   `json:"page"`
	PageSize        int   `json:"page_size"`
	TotalCount      int64 `json:"total_count"`
	TotalPages      int   `json:"total_pages"`
	HasMore         bool  `json:"has_more"`
	CountIsEstimate bool  `json:"count_is_estimate"`
}

// BuildPageInfo derives page metadata from a total row count. Callers that
// already know the count (or carry a cheap estimate for very large tables)
// pass it in instead of forcing a COUNT(*) per page.
func BuildPageInfo(p Pagination, total int64, estimated bool) *PageInfo {
	q := p.Normalize()

	pages := int(total / int64(q.PageSize))
	if total%int64(q.PageSize) != 0 {
		pages++
	}

	return &PageInfo{
		Page:            q.Page,
		PageSize:        q.PageSize,
		TotalCount:      total,
		TotalPages:      pages,
		HasMore:         q.Page < pages,
		CountIsEstimate: estimated,
	}
}
