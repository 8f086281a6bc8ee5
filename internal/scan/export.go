package scan

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	exportSheet = "History"
	// excel refuses longer cell values
	maxCellLength = 32767
)

// ExportXLSX renders records as a spreadsheet, one row per scan in the given order
func ExportXLSX(records []ScanRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(exportSheet); err != nil {
		return nil, fmt.Errorf("creating sheet: %w", err)
	}
	index, err := f.GetSheetIndex(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("finding sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{"Timestamp", "File", "Size", "Tokens", "Keywords", "Image", "Text"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for i, rec := range records {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}

		write(1, rec.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		write(2, rec.FileMeta.Name)
		write(3, FormatFileSize(rec.FileMeta.Size))
		write(4, rec.TokenCount)
		write(5, strings.Join(rec.Keywords, ", "))
		write(6, rec.ImageURL)
		write(7, truncate(rec.Text, maxCellLength))
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 20) // timestamp
	_ = f.SetColWidth(exportSheet, "B", "B", 28) // file
	_ = f.SetColWidth(exportSheet, "C", "D", 12) // size, tokens
	_ = f.SetColWidth(exportSheet, "E", "E", 40) // keywords
	_ = f.SetColWidth(exportSheet, "F", "F", 48) // image
	_ = f.SetColWidth(exportSheet, "G", "G", 80) // text

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
