package feed

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX parses the first worksheet of a supplier XLSX export.
func ReadXLSX(r io.Reader) (MapResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return MapResult{}, fmt.Errorf("feed: open xlsx: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return MapResult{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return MapResult{}, fmt.Errorf("feed: read sheet %s: %w", sheets[0], err)
	}
	return MapRows(rows, SourceXLSX), nil
}
