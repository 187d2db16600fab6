package feed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReadFile maps a feed file, choosing the parser from its extension.
func ReadFile(ctx context.Context, path string) (MapResult, error) {
	if err := ctx.Err(); err != nil {
		return MapResult{}, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return MapResult{}, fmt.Errorf("%w: %s", ErrSourceMissing, path)
	}
	if err != nil {
		return MapResult{}, fmt.Errorf("feed: open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var result MapResult
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		result, err = ReadXLSX(f)
	case ".json":
		result, err = ReadJSON(f)
	default:
		result, err = ReadCSV(f)
	}
	if err != nil {
		return MapResult{}, fmt.Errorf("%s: %w", path, err)
	}
	return result, nil
}

// ReadSources maps every path in order. Any missing file aborts the read.
func ReadSources(ctx context.Context, paths []string) (MapResult, error) {
	var total MapResult
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		result, err := ReadFile(ctx, path)
		if err != nil {
			return MapResult{}, err
		}
		total.Add(result)
	}
	return total, nil
}
