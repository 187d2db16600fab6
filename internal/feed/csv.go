package feed

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// headerScanRows is how many leading rows are searched for the header.
const headerScanRows = 5

// ReadCSV parses a supplier CSV export. The input may carry a BOM or be
// Windows-1252 encoded; the delimiter is sniffed from the first line.
func ReadCSV(r io.Reader) (MapResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return MapResult{}, fmt.Errorf("feed: read csv: %w", err)
	}
	data, err := decodeText(raw)
	if err != nil {
		return MapResult{}, err
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		rows  [][]string
		lines []int
	)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				// A nil row is counted as dropped by mapRows.
				rows = append(rows, nil)
				lines = append(lines, parseErr.StartLine)
				continue
			}
			return MapResult{}, fmt.Errorf("feed: parse csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, row)
		lines = append(lines, line)
	}
	return mapRows(rows, lines, SourceCSV), nil
}

// MapRows detects the header within rows and maps every following row. Line
// numbers in the result are 1-based row positions.
func MapRows(rows [][]string, source Source) MapResult {
	return mapRows(rows, nil, source)
}

func mapRows(rows [][]string, lines []int, source Source) MapResult {
	var result MapResult
	if len(rows) == 0 {
		return result
	}
	headerIdx := DetectHeader(rows)
	header := NewHeader(rows[headerIdx])
	var records []Record
	for i := headerIdx + 1; i < len(rows); i++ {
		line := i + 1
		if i < len(lines) {
			line = lines[i]
		}
		if blank(rows[i]) {
			if rows[i] == nil {
				result.Rows++
				result.drop(line)
			}
			continue
		}
		result.Rows++
		rec, ok := MapRow(header.Row(rows[i]), source, line)
		if !ok {
			result.drop(line)
			continue
		}
		records = append(records, rec)
	}
	result.Records = Collapse(records)
	return result
}

// DetectHeader returns the index of the first row within the first five that
// has a cell mentioning "spu" or "sku", or 0 when none does.
func DetectHeader(rows [][]string) int {
	limit := headerScanRows
	if len(rows) < limit {
		limit = len(rows)
	}
	for i := 0; i < limit; i++ {
		for _, cell := range rows[i] {
			c := strings.ToLower(cell)
			if strings.Contains(c, "spu") || strings.Contains(c, "sku") {
				return i
			}
		}
	}
	return 0
}

// Header maps column positions to normalized names.
type Header []string

// NewHeader normalizes a header row.
func NewHeader(cells []string) Header {
	h := make(Header, len(cells))
	for i, c := range cells {
		h[i] = NormalizeHeader(c)
	}
	return h
}

// Row keys cells by column name. Missing trailing cells are treated as empty
// and duplicate column names keep the first non-empty value.
func (h Header) Row(cells []string) map[string]string {
	out := make(map[string]string, len(h))
	for i, name := range h {
		if name == "" {
			continue
		}
		value := ""
		if i < len(cells) {
			value = strings.TrimSpace(cells[i])
		}
		if existing, ok := out[name]; ok && existing != "" {
			continue
		}
		out[name] = value
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func decodeText(raw []byte) ([]byte, error) {
	var fallback transform.Transformer = unicode.UTF8.NewDecoder()
	if !utf8.Valid(raw) {
		fallback = charmap.Windows1252.NewDecoder()
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(fallback), raw)
	if err != nil {
		return nil, fmt.Errorf("feed: decode text: %w", err)
	}
	return out, nil
}

func sniffDelimiter(data []byte) rune {
	head := data
	for i, start := 0, 0; i < headerScanRows; i++ {
		idx := bytes.IndexByte(data[start:], '\n')
		if idx < 0 {
			head = data
			break
		}
		start += idx + 1
		head = data[:start]
	}
	best, bestCount := ',', bytes.Count(head, []byte{','})
	for _, candidate := range []rune{';', '\t'} {
		if n := bytes.Count(head, []byte(string(candidate))); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}
