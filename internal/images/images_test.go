package images

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getpawsy/catalog/internal/catalog"
)

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://cdn.example.com/img/1.jpg",
		"http://cdn.example.com/a.png",
		"/images/products/abc.jpg",
	}
	invalid := []string{
		"http://example.com/",
		"https://example.com",
		"https://cdn.example.com/placeholder.png",
		"http://localhost/a.jpg",
		"http://127.0.0.1/a.jpg",
		"http://[::1]/a.jpg",
		"http://0.0.0.0/a.jpg",
		"data:image/png;base64,AAAA",
		"ftp://cdn.example.com/a.jpg",
		"//cdn.example.com/a.jpg",
		"/",
		"",
	}
	for _, u := range valid {
		require.True(t, ValidateURL(u), u)
	}
	for _, u := range invalid {
		require.False(t, ValidateURL(u), u)
	}
}

func TestResolvePriorityAndDedup(t *testing.T) {
	res := Resolve(Input{
		Resolved:      "",
		Images:        []string{"https://cdn.example.com/b.jpg", "http://example.com/", "https://cdn.example.com/a.jpg"},
		Thumbnail:     "https://cdn.example.com/a.jpg",
		VariantImages: []string{"https://cdn.example.com/v.jpg"},
	})
	require.Equal(t, "https://cdn.example.com/b.jpg", res.Primary)
	require.Equal(t, []string{
		"https://cdn.example.com/b.jpg",
		"https://cdn.example.com/a.jpg",
		"https://cdn.example.com/v.jpg",
	}, res.Images)
	require.Equal(t, 1, res.Rejected)

	res = Resolve(Input{Resolved: "/images/products/x.jpg", Images: []string{"https://cdn.example.com/b.jpg"}})
	require.Equal(t, "/images/products/x.jpg", res.Primary)
}

func TestResolveNoCandidates(t *testing.T) {
	res := Resolve(Input{Images: []string{"placeholder.png", "http://localhost/x.jpg"}})
	require.Empty(t, res.Primary)
	require.NotNil(t, res.Images)
	require.Empty(t, res.Images)
}

func TestCustomSourceOrder(t *testing.T) {
	r := NewResolver(false, Source{Name: "thumbnail", Collect: func(in Input) []string { return []string{in.Thumbnail} }})
	res := r.Resolve(Input{Images: []string{"https://cdn.example.com/a.jpg"}, Thumbnail: "https://cdn.example.com/t.jpg"})
	require.Equal(t, []string{"https://cdn.example.com/t.jpg"}, res.Images)
}

func TestNormalizeSupplierURL(t *testing.T) {
	require.Equal(t,
		"https://cf.cjdropshipping.com/abc/photo.jpg",
		NormalizeSupplierURL("https://cf.cjdropshipping.com/im/resize/abc/photo_800x800.jpg?w=1"))
	require.Equal(t,
		"https://cdn.example.com/photo_800x800.jpg?w=1",
		NormalizeSupplierURL("https://cdn.example.com/photo_800x800.jpg?w=1"))
}

func TestFileNameIsStable(t *testing.T) {
	a := FileName("https://cdn.example.com/a.png", 0)
	require.Equal(t, a, FileName("https://cdn.example.com/a.png", 0))
	require.NotEqual(t, a, FileName("https://cdn.example.com/a.png", 1))
	require.Equal(t, ".png", filepath.Ext(a))
	require.Equal(t, ".jpg", filepath.Ext(FileName("https://cdn.example.com/a.bmp?x", 0)))
}

type imageServer struct {
	*httptest.Server
	hits  atomic.Int64
	flaky atomic.Int64
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()
	s := &imageServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/a.jpg", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if r.Header.Get("User-Agent") == "" || r.Header.Get("Referer") != "https://shop.example.com/" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(jpegBody(1000))
	})
	mux.HandleFunc("/big.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(jpegBody(5000))
	})
	mux.HandleFunc("/tiny.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nope"))
	})
	mux.HandleFunc("/flaky.jpg", func(w http.ResponseWriter, r *http.Request) {
		if s.flaky.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(jpegBody(800))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func jpegBody(n int) []byte {
	body := bytes.Repeat([]byte{0x00}, n)
	copy(body, []byte{0xff, 0xd8, 0xff, 0xe0})
	return body
}

func newTestMirror(dir string) *Mirror {
	return NewMirror(Config{
		Dir:       dir,
		Workers:   3,
		MaxBytes:  2000,
		Timeout:   2 * time.Second,
		Retries:   3,
		Backoff:   time.Millisecond,
		UserAgent: "pawsy-test",
		Referer:   "https://shop.example.com/",
	}, nil)
}

func TestMirrorRunOutcomes(t *testing.T) {
	srv := newImageServer(t)
	dir := t.TempDir()
	m := newTestMirror(dir)

	items := []Item{
		{URL: srv.URL + "/a.jpg"},
		{URL: srv.URL + "/big.jpg"},
		{URL: srv.URL + "/tiny.png"},
		{URL: srv.URL + "/flaky.jpg"},
		{URL: srv.URL + "/loop"},
	}
	outcomes, err := m.Run(context.Background(), items)
	require.NoError(t, err)

	require.Equal(t, StatusMirrored, outcomes[0].Status)
	require.Equal(t, "/images/products/"+FileName(items[0].URL, 0), outcomes[0].Local)
	require.Equal(t, StatusFailed, outcomes[1].Status)
	require.ErrorIs(t, outcomes[1].Err, errTooLarge)
	require.Equal(t, StatusFailed, outcomes[2].Status)
	require.Equal(t, StatusMirrored, outcomes[3].Status, "retried after two gateway errors")
	require.Equal(t, StatusFailed, outcomes[4].Status)

	info, err := os.Stat(filepath.Join(dir, FileName(items[0].URL, 0)))
	require.NoError(t, err)
	require.EqualValues(t, 1000, info.Size())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "no temp files or partial downloads remain")

	again, err := m.Run(context.Background(), items[:1])
	require.NoError(t, err)
	require.Equal(t, StatusCached, again[0].Status)
	require.EqualValues(t, 1, srv.hits.Load())
}

func TestMirrorHaltsOnLowDisk(t *testing.T) {
	srv := newImageServer(t)
	m := NewMirror(Config{Dir: t.TempDir(), Workers: 2, MinFreeBytes: 1 << 20}, nil)
	m.WithFreeSpace(func(string) (uint64, error) { return 1024, nil })

	outcomes, err := m.Run(context.Background(), []Item{{URL: srv.URL + "/a.jpg"}, {URL: srv.URL + "/flaky.jpg"}})
	require.True(t, errors.Is(err, ErrLowDiskSpace))
	for _, o := range outcomes {
		require.Equal(t, StatusSkipped, o.Status)
	}
	require.Zero(t, srv.hits.Load())
}

func TestMirrorProductsRewritesImages(t *testing.T) {
	srv := newImageServer(t)
	m := newTestMirror(t.TempDir())

	remote := srv.URL + "/a.jpg"
	missing := srv.URL + "/missing.jpg"
	products := []catalog.Product{{
		ID:     "cj-1",
		Images: []string{remote, "/images/products/own.jpg", missing},
		Variants: []catalog.Variant{
			{ID: "cj-1::default", Image: remote, Options: map[string]string{}},
		},
	}}

	out, summary, err := m.Products(context.Background(), products)
	require.NoError(t, err)
	require.Equal(t, Summary{Mirrored: 1, Failed: 1}, summary)

	local := "/images/products/" + FileName(remote, 0)
	require.Equal(t, []string{local, "/images/products/own.jpg", missing}, out[0].Images)
	require.Equal(t, local, out[0].Variants[0].Image)
	require.Equal(t, remote, products[0].Images[0], "input products are not mutated")
}

func TestMirrorRejectsNonImageBodies(t *testing.T) {
	page := append([]byte("<!DOCTYPE html><html><body>hotlinking denied"), bytes.Repeat([]byte(" "), 1800)...)
	mux := http.NewServeMux()
	mux.HandleFunc("/img/a.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
	mux.HandleFunc("/img/untyped.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write(jpegBody(900))
	})
	mux.HandleFunc("/img/untyped-page.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write(page)
	})
	mux.HandleFunc("/img/octet.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(jpegBody(900))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	m := newTestMirror(dir)
	items := []Item{
		{URL: srv.URL + "/img/a.jpg"},
		{URL: srv.URL + "/img/untyped.jpg"},
		{URL: srv.URL + "/img/untyped-page.jpg"},
		{URL: srv.URL + "/img/octet.jpg"},
	}
	outcomes, err := m.Run(context.Background(), items)
	require.NoError(t, err)

	require.Equal(t, StatusFailed, outcomes[0].Status)
	require.ErrorIs(t, outcomes[0].Err, errNotImage)
	require.Empty(t, outcomes[0].Local)
	require.Equal(t, StatusMirrored, outcomes[1].Status)
	require.Equal(t, StatusFailed, outcomes[2].Status)
	require.ErrorIs(t, outcomes[2].Err, errNotImage)
	require.Equal(t, StatusMirrored, outcomes[3].Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	_, err = os.Stat(filepath.Join(dir, FileName(items[0].URL, 0)))
	require.True(t, os.IsNotExist(err))
}
