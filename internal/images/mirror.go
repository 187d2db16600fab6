package images

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/getpawsy/catalog/internal/catalog"
)

// ErrLowDiskSpace halts a mirror batch when free space drops below the floor.
var ErrLowDiskSpace = errors.New("images: free disk space below floor")

var (
	errTooLarge = errors.New("image exceeds size cap")
	errTooSmall = errors.New("image body too small")
	errNotImage = errors.New("response is not an image")
)

// sniffLen is the prefix http.DetectContentType inspects.
const sniffLen = 512

// minImageBytes rejects error pages and tracking pixels served as images.
const minImageBytes = 500

const maxRedirects = 5

var allowedExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true}

// Outcome statuses.
const (
	StatusMirrored = "mirrored"
	StatusCached   = "cached"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// Config controls mirroring.
type Config struct {
	Dir          string
	PublicPrefix string
	Workers      int
	MaxBytes     int64
	Timeout      time.Duration
	Retries      int
	Backoff      time.Duration
	MinFreeBytes uint64
	UserAgent    string
	Referer      string
}

// Item is one remote image to mirror.
type Item struct {
	URL   string
	Index int
}

// Outcome reports what happened to an Item. Local is set for mirrored and
// cached items.
type Outcome struct {
	Item
	Status string
	Local  string
	Err    error
}

// Summary counts outcomes by status.
type Summary struct {
	Mirrored int `json:"mirrored"`
	Cached   int `json:"cached"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Mirror downloads remote images into a content-addressed directory.
type Mirror struct {
	cfg       Config
	client    *http.Client
	logger    *slog.Logger
	freeSpace func(dir string) (uint64, error)
}

// NewMirror constructs a mirror with a redirect-capped HTTP client.
func NewMirror(cfg Config, logger *slog.Logger) *Mirror {
	if cfg.Workers < 1 {
		cfg.Workers = 6
	}
	if cfg.Retries < 1 {
		cfg.Retries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.PublicPrefix == "" {
		cfg.PublicPrefix = "/images/products"
	}
	m := &Mirror{cfg: cfg, logger: logger, freeSpace: FreeBytes}
	m.WithHTTPClient(&http.Client{})
	return m
}

// WithHTTPClient swaps the HTTP client. The redirect cap is always applied.
func (m *Mirror) WithHTTPClient(client *http.Client) {
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	m.client = &c
}

// WithFreeSpace overrides the free-space check.
func (m *Mirror) WithFreeSpace(fn func(dir string) (uint64, error)) {
	if fn != nil {
		m.freeSpace = fn
	}
}

func (m *Mirror) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default().With(slog.String("component", "image_mirror"))
}

// FileName derives the content-addressed local name for a source URL.
func FileName(rawURL string, index int) string {
	sum := blake2b.Sum256([]byte(rawURL + "#" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:16]) + extension(rawURL)
}

func extension(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(path.Ext(p))
	if !allowedExt[ext] {
		return ".jpg"
	}
	return ext
}

// Run mirrors items with a bounded worker pool. Free disk space is checked
// before every claim; dropping below the floor stops all workers and
// returns ErrLowDiskSpace. Items never claimed are reported as skipped.
func (m *Mirror) Run(ctx context.Context, items []Item) ([]Outcome, error) {
	outcomes := make([]Outcome, len(items))
	for i, item := range items {
		outcomes[i] = Outcome{Item: item, Status: StatusSkipped}
	}
	if len(items) == 0 {
		return outcomes, nil
	}
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return outcomes, fmt.Errorf("images: create mirror dir: %w", err)
	}

	var next atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < m.cfg.Workers; w++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return nil
				}
				if err := m.checkDisk(); err != nil {
					return err
				}
				i := int(next.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				outcomes[i] = m.mirrorOne(gctx, items[i])
			}
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, ctx.Err()
}

func (m *Mirror) checkDisk() error {
	if m.cfg.MinFreeBytes == 0 {
		return nil
	}
	free, err := m.freeSpace(m.cfg.Dir)
	if err != nil {
		m.log().Warn("free space check failed", slog.Any("error", err))
		return nil
	}
	if free < m.cfg.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free, floor %d", ErrLowDiskSpace, free, m.cfg.MinFreeBytes)
	}
	return nil
}

func (m *Mirror) mirrorOne(ctx context.Context, item Item) Outcome {
	name := FileName(item.URL, item.Index)
	dest := filepath.Join(m.cfg.Dir, name)
	local := strings.TrimRight(m.cfg.PublicPrefix, "/") + "/" + name
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return Outcome{Item: item, Status: StatusCached, Local: local}
	}

	var firstErr error
	for _, candidate := range alternates(item.URL) {
		err := m.fetch(ctx, candidate, dest)
		if err == nil {
			return Outcome{Item: item, Status: StatusMirrored, Local: local}
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	m.log().Warn("image mirror failed, keeping remote url",
		slog.String("url", item.URL), slog.Any("error", firstErr))
	return Outcome{Item: item, Status: StatusFailed, Err: firstErr}
}

// alternates lists the URL followed by jpg and png spellings of it, which
// suppliers often serve when the advertised extension 404s.
func alternates(rawURL string) []string {
	out := []string{rawURL}
	ext := path.Ext(rawURL)
	if ext == "" || strings.ContainsAny(rawURL, "?#") {
		return out
	}
	base := strings.TrimSuffix(rawURL, ext)
	for _, alt := range []string{".jpg", ".png"} {
		if !strings.EqualFold(ext, alt) {
			out = append(out, base+alt)
		}
	}
	return out
}

func (m *Mirror) fetch(ctx context.Context, rawURL, dest string) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(m.cfg.Backoff * time.Duration(attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err := m.download(ctx, rawURL, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		var perm permanentError
		if errors.As(err, &perm) {
			return err
		}
	}
	return lastErr
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func (m *Mirror) download(ctx context.Context, rawURL, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return permanentError{err}
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
	if m.cfg.Referer != "" {
		req.Header.Set("Referer", m.cfg.Referer)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return permanentError{err}
		}
		return err
	}
	if m.cfg.MaxBytes > 0 && resp.ContentLength > m.cfg.MaxBytes {
		return permanentError{errTooLarge}
	}
	sniffed := bufio.NewReaderSize(resp.Body, sniffLen)
	if err := checkImageType(resp.Header.Get("Content-Type"), sniffed); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".mirror-*")
	if err != nil {
		return permanentError{err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	var body io.Reader = sniffed
	if m.cfg.MaxBytes > 0 {
		body = io.LimitReader(sniffed, m.cfg.MaxBytes+1)
	}
	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		return copyErr
	case closeErr != nil:
		return closeErr
	case m.cfg.MaxBytes > 0 && n > m.cfg.MaxBytes:
		return permanentError{errTooLarge}
	case n <= minImageBytes:
		return permanentError{errTooSmall}
	}
	return os.Rename(tmpName, dest)
}

// checkImageType rejects bodies that are not images, such as hotlink
// protection pages. A missing or generic header falls back to sniffing.
func checkImageType(header string, body *bufio.Reader) error {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || mediaType == "application/octet-stream" {
		head, _ := body.Peek(sniffLen)
		mediaType = http.DetectContentType(head)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return permanentError{fmt.Errorf("%w: %s", errNotImage, mediaType)}
	}
	return nil
}

// Products mirrors every remote gallery image of products and returns
// copies whose images point at the local files. Failed or skipped
// downloads keep their remote URL. Variant images that match a mirrored
// gallery URL are rewritten too.
func (m *Mirror) Products(ctx context.Context, products []catalog.Product) ([]catalog.Product, Summary, error) {
	type ref struct{ product, image int }
	var (
		items []Item
		refs  []ref
	)
	for pi, p := range products {
		for ii, img := range p.Images {
			if !IsRemote(img) {
				continue
			}
			items = append(items, Item{URL: img, Index: ii})
			refs = append(refs, ref{product: pi, image: ii})
		}
	}

	outcomes, runErr := m.Run(ctx, items)

	out := make([]catalog.Product, len(products))
	for i, p := range products {
		out[i] = catalog.Clone(p)
	}
	var summary Summary
	replaced := make([]map[string]string, len(products))
	for k, o := range outcomes {
		switch o.Status {
		case StatusMirrored:
			summary.Mirrored++
		case StatusCached:
			summary.Cached++
		case StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
		if o.Local == "" {
			continue
		}
		r := refs[k]
		out[r.product].Images[r.image] = o.Local
		if replaced[r.product] == nil {
			replaced[r.product] = map[string]string{}
		}
		replaced[r.product][o.URL] = o.Local
	}
	for pi, urls := range replaced {
		for vi := range out[pi].Variants {
			if local, ok := urls[out[pi].Variants[vi].Image]; ok {
				out[pi].Variants[vi].Image = local
			}
		}
	}

	m.log().Info("image mirror finished",
		slog.Int("mirrored", summary.Mirrored),
		slog.Int("cached", summary.Cached),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped))
	return out, summary, runErr
}
