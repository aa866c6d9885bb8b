package model

import (
	"time"
)

// ScanRecord 扫描结果
type ScanRecord struct {
	ID         string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Target     string       `json:"target" gorm:"type:varchar(2048);not null"`
	Host       string       `json:"host" gorm:"type:varchar(255);index"`
	PageCount  int          `json:"page_count" gorm:"column:page_count;not null;default:0"`
	StartedAt  time.Time    `json:"started_at" gorm:"column:started_at;not null"`
	FinishedAt time.Time    `json:"finished_at" gorm:"column:finished_at;not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:now();index"`
	Pages      []PageRecord `json:"pages,omitempty" gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE"`
}

func (ScanRecord) TableName() string {
	return "scan_results"
}

// PageRecord 页面测量
type PageRecord struct {
	ID            int64  `json:"id" gorm:"primaryKey"`
	ScanID        string `json:"scan_id" gorm:"column:scan_id;type:varchar(36);not null;index"`
	Position      int    `json:"position" gorm:"not null"` // order as produced by the scanner
	URI           string `json:"uri" gorm:"type:varchar(2048);not null"`
	StatusCode    int    `json:"status_code" gorm:"column:status_code"`
	ContentType   string `json:"content_type" gorm:"column:content_type;type:varchar(255)"`
	ContentLength int64  `json:"content_length" gorm:"column:content_length"`
	Title         string `json:"title" gorm:"type:text"`
	Depth         int    `json:"depth"`
	DownloadTime  int64  `json:"download_time" gorm:"column:download_time_ms"`
	Error         string `json:"error,omitempty" gorm:"type:text"`
}

func (PageRecord) TableName() string {
	return "scan_pages"
}

// NewScanRecord flattens a result into its persisted form
func NewScanRecord(host string, r *ScanResult) *ScanRecord {
	rec := &ScanRecord{
		ID:         r.ID,
		Target:     r.Target,
		Host:       host,
		PageCount:  len(r.Pages),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Pages:      make([]PageRecord, 0, len(r.Pages)),
	}
	for i, p := range r.Pages {
		rec.Pages = append(rec.Pages, PageRecord{
			ScanID:        r.ID,
			Position:      i,
			URI:           p.URI,
			StatusCode:    p.StatusCode,
			ContentType:   p.ContentType,
			ContentLength: p.ContentLength,
			Title:         p.Title,
			Depth:         p.Depth,
			DownloadTime:  p.DownloadTime,
			Error:         p.Error,
		})
	}
	return rec
}

// Result rebuilds the wire form, pages ordered by Position
func (r *ScanRecord) Result() *ScanResult {
	pages := make([]DocumentResult, len(r.Pages))
	for _, p := range r.Pages {
		if p.Position < 0 || p.Position >= len(pages) {
			continue
		}
		pages[p.Position] = DocumentResult{
			URI:           p.URI,
			StatusCode:    p.StatusCode,
			ContentType:   p.ContentType,
			ContentLength: p.ContentLength,
			Title:         p.Title,
			Depth:         p.Depth,
			DownloadTime:  p.DownloadTime,
			Error:         p.Error,
		}
	}
	return &ScanResult{
		ID:         r.ID,
		Target:     r.Target,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Pages:      pages,
	}
}

// ResultListQuery 扫描结果列表查询
type ResultListQuery struct {
	Host     string `form:"host"`
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
}
