package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueryRepository menyediakan akses baca ke kedua log audit.
type QueryRepository interface {
	ListChecks(ctx context.Context, f CheckFilters, offset, limit int) ([]CheckRecord, error)
	ListChanges(ctx context.Context, f ChangeFilters, offset, limit int) ([]ChangeRecord, error)
}

// CheckFilters menyaring log keputusan otorisasi.
type CheckFilters struct {
	UserID   *uuid.UUID
	Action   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// ChangeFilters menyaring log perubahan.
type ChangeFilters struct {
	Entity   string
	ActorID  *uuid.UUID
	Severity Severity
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// PagingInfo membawa informasi halaman hasil.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// CheckResult membungkus hasil query log keputusan.
type CheckResult struct {
	Rows   []CheckRecord
	Paging PagingInfo
}

// ChangeResult membungkus hasil query log perubahan.
type ChangeResult struct {
	Rows   []ChangeRecord
	Paging PagingInfo
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo QueryRepository
}

// NewService membuat service audit baru.
func NewService(repo QueryRepository) *Service {
	return &Service{repo: repo}
}

// Checks mengambil log keputusan dengan paging.
func (s *Service) Checks(ctx context.Context, f CheckFilters) (CheckResult, error) {
	if s.repo == nil {
		return CheckResult{}, fmt.Errorf("audit: repository not configured")
	}
	page, pageSize := normalisePaging(f.Page, f.PageSize)
	offset := (page - 1) * pageSize
	rows, err := s.repo.ListChecks(ctx, f, offset, pageSize+1)
	if err != nil {
		return CheckResult{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	return CheckResult{Rows: rows, Paging: buildPaging(page, pageSize, hasNext)}, nil
}

// Changes mengambil log perubahan dengan paging.
func (s *Service) Changes(ctx context.Context, f ChangeFilters) (ChangeResult, error) {
	if s.repo == nil {
		return ChangeResult{}, fmt.Errorf("audit: repository not configured")
	}
	page, pageSize := normalisePaging(f.Page, f.PageSize)
	offset := (page - 1) * pageSize
	rows, err := s.repo.ListChanges(ctx, f, offset, pageSize+1)
	if err != nil {
		return ChangeResult{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	return ChangeResult{Rows: rows, Paging: buildPaging(page, pageSize, hasNext)}, nil
}

func normalisePaging(page, pageSize int) (int, int) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	return page, pageSize
}

func buildPaging(page, pageSize int, hasNext bool) PagingInfo {
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return paging
}
