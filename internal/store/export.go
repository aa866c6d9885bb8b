package store

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"perforay/internal/model"
)

const ExportSheet = "Pages"

var exportHeaders = []string{"#", "URI", "Status", "Content Type", "Content Length", "Title", "Depth", "Download Time (ms)", "Error"}

// ExportXLSX 导出扫描结果Excel, one row per page in result order
func ExportXLSX(result *model.ScanResult) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ExportSheet); err != nil {
		return nil, err
	}

	// 写入表头
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(ExportSheet, cell, h)
	}

	for i, p := range result.Pages {
		row := i + 2
		values := []any{i + 1, p.URI, p.StatusCode, p.ContentType, p.ContentLength, p.Title, p.Depth, p.DownloadTime, p.Error}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(ExportSheet, cell, v)
		}
	}

	// 设置列宽
	f.SetColWidth(ExportSheet, "A", "A", 6)
	f.SetColWidth(ExportSheet, "B", "B", 60)
	f.SetColWidth(ExportSheet, "C", "E", 14)
	f.SetColWidth(ExportSheet, "F", "F", 40)
	f.SetColWidth(ExportSheet, "G", "H", 18)
	f.SetColWidth(ExportSheet, "I", "I", 50)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return &buf, nil
}
