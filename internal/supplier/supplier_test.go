package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/getpawsy/catalog/internal/feed"
)

type fakeCJ struct {
	mu      sync.Mutex
	auths   atomic.Int32
	revoked map[string]bool
	delay   time.Duration
}

func (f *fakeCJ) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, data any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "result": true, "message": "Success", "data": data})
	}
	mux.HandleFunc("/authentication/getAccessToken", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ops@getpawsy.test" || body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		time.Sleep(f.delay)
		n := f.auths.Add(1)
		write(w, map[string]any{
			"accessToken":           fmt.Sprintf("tok-%d", n),
			"accessTokenExpiryDate": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("CJ-Access-Token")
			f.mu.Lock()
			revoked := f.revoked[token]
			f.mu.Unlock()
			if token == "" || revoked {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/product/query", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pid") {
		case "P1":
			write(w, map[string]any{
				"pid":           "P1",
				"productSku":    "SKU-P1",
				"productNameEn": "Cat Feather Wand",
				"sellPrice":     "4.00",
				"productImage":  "https://cf.cjdropshipping.com/p1.jpg",
				"productKeyEn":  "Color",
			})
		default:
			write(w, nil)
		}
	}))
	mux.HandleFunc("/product/variant/query", authed(func(w http.ResponseWriter, r *http.Request) {
		write(w, []map[string]any{
			{"vid": "V1", "variantSku": "SKU-P1-R", "variantKey": "Red", "variantSellPrice": 4.0},
			{"vid": "V2", "variantSku": "SKU-P1-B", "variantKey": "Blue", "variantSellPrice": 4.5},
		})
	}))
	mux.HandleFunc("/product/stock/queryByVid", authed(func(w http.ResponseWriter, r *http.Request) {
		write(w, []map[string]any{{"storageNum": 3}, {"storageNum": "4"}})
	}))
	mux.HandleFunc("/product/list", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pageNum") {
		case "1":
			write(w, map[string]any{"total": 3, "list": []map[string]any{{"pid": "L1"}, {"pid": "L2"}}})
		case "2":
			write(w, map[string]any{"total": 3, "list": []map[string]any{{"pid": "L3"}, {"name": "no id"}}})
		default:
			write(w, map[string]any{"total": 3, "list": []any{}})
		}
	}))
	return mux
}

func (f *fakeCJ) revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = map[string]bool{}
	}
	f.revoked[token] = true
}

func newTestClient(t *testing.T, fake *fakeCJ, store TokenStore) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:     srv.URL,
		Email:       "ops@getpawsy.test",
		APIKey:      "secret",
		RatePerSec:  1000,
		Timeout:     5 * time.Second,
		RefreshSkew: 10 * time.Minute,
	}, store, nil)
}

func TestFetchRecordMapsDetailAndVariants(t *testing.T) {
	fake := &fakeCJ{}
	client := newTestClient(t, fake, nil)

	rec, err := client.FetchRecord(context.Background(), "P1")
	require.NoError(t, err)
	require.Equal(t, feed.SourceAPI, rec.Source)
	require.Equal(t, "Cat Feather Wand", rec.Title)
	require.InDelta(t, 4.0, rec.Cost, 0.0001)
	require.Len(t, rec.Variants, 2)
	require.Equal(t, "V1", rec.Variants[0].ID)
	require.Equal(t, "Red", rec.Variants[0].Options["Color"])
	require.EqualValues(t, 1, fake.auths.Load(), "token reused across calls")

	_, err = client.FetchRecord(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	stock, err := client.Stock(context.Background(), "V1")
	require.NoError(t, err)
	require.Equal(t, 7, stock)
}

func TestTokenRefreshSharedAcrossCallers(t *testing.T) {
	fake := &fakeCJ{delay: 50 * time.Millisecond}
	client := newTestClient(t, fake, nil)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = client.Token(context.Background())
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, fake.auths.Load())
	for _, tok := range tokens {
		require.Equal(t, "tok-1", tok)
	}
}

func TestRejectedTokenRetriedOnce(t *testing.T) {
	fake := &fakeCJ{}
	client := newTestClient(t, fake, nil)

	_, err := client.Token(context.Background())
	require.NoError(t, err)
	fake.revoke("tok-1")

	_, err = client.ProductDetail(context.Background(), "P1")
	require.NoError(t, err)
	require.EqualValues(t, 2, fake.auths.Load())

	fake.revoke("tok-2")
	fake.revoke("tok-3")
	_, err = client.ProductDetail(context.Background(), "P1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestBadCredentialsUnauthorized(t *testing.T) {
	fake := &fakeCJ{}
	client := newTestClient(t, fake, nil)
	client.cfg.APIKey = "wrong"

	_, err := client.Token(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRedisTokenStoreAndRefreshSkew(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisTokenStore(rdb, "")
	ctx := context.Background()

	_, ok, err := store.Get(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// Expires inside the refresh skew, so the client re-authenticates.
	require.NoError(t, store.Set(ctx, Token{AccessToken: "stale", ExpiresAt: time.Now().Add(5 * time.Minute)}))
	require.True(t, mr.TTL("pawsy:supplier:cj:token") > 0)

	fake := &fakeCJ{}
	client := newTestClient(t, fake, store)
	tok, err := client.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	cached, ok, err := store.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-1", cached.AccessToken)

	again, err := client.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", again)
	require.EqualValues(t, 1, fake.auths.Load())

	require.NoError(t, store.Delete(ctx))
	require.False(t, mr.Exists("pawsy:supplier:cj:token"))
}

func TestImportPagesUntilTotal(t *testing.T) {
	fake := &fakeCJ{}
	client := newTestClient(t, fake, nil)

	result, err := client.Import(context.Background(), ListQuery{PageSize: 2, Keyword: "cat"}, 0)
	require.NoError(t, err)
	require.Equal(t, 4, result.Rows)
	require.Equal(t, 1, result.Dropped)
	require.Len(t, result.Records, 3)
	require.Equal(t, "L3", result.Records[2].ProductID)
	require.Equal(t, []int{4}, result.DroppedLines)
}

func TestListAllStopsAtMaxPages(t *testing.T) {
	fake := &fakeCJ{}
	client := newTestClient(t, fake, nil)

	items, err := client.ListAll(context.Background(), ListQuery{PageSize: 2}, 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

type fakeFetcher struct {
	records map[string]feed.Record
	errs    map[string]error
	calls   []string
}

func (f *fakeFetcher) FetchRecord(_ context.Context, pid string) (feed.Record, error) {
	f.calls = append(f.calls, pid)
	if err, ok := f.errs[pid]; ok {
		return feed.Record{}, err
	}
	rec, ok := f.records[pid]
	if !ok {
		return feed.Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeFetcher) Stock(context.Context, string) (int, error) { return 5, nil }

func TestEnrichOverlaysAndCounts(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string]feed.Record{
			"A": {
				ProductID: "A", Title: "Supplier Title", Description: "From API", Cost: 6,
				Images:   []string{"https://cf.cjdropshipping.com/a.jpg"},
				Variants: []feed.RawVariant{{ID: "VA1", Options: map[string]string{"Size": "S"}}},
				Fields:   map[string]string{"supplier_only": "x", "title": "Supplier Title"},
			},
		},
		errs: map[string]error{"C": errors.New("timeout")},
	}
	records := []feed.Record{
		{Source: feed.SourceCSV, ProductID: "A", Title: "Feed Title", Fields: map[string]string{"title": "Feed Title"}},
		{Source: feed.SourceCSV, ProductID: "B", Title: "Unknown"},
		{Source: feed.SourceCSV, ProductID: "C", Title: "Flaky"},
		{Source: feed.SourceAPI, ProductID: "D", Title: "Already API"},
	}

	out, stats, err := NewEnricher(fetcher, 2, time.Millisecond, nil).WithStock(true).Enrich(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, EnrichStats{Requested: 3, Enriched: 1, NotFound: 1, Failed: 1}, stats)
	require.Equal(t, []string{"A", "B", "C"}, fetcher.calls)

	a := out[0]
	require.Equal(t, "Feed Title", a.Title)
	require.Equal(t, "From API", a.Description)
	require.InDelta(t, 6.0, a.Cost, 0.0001)
	require.Len(t, a.Variants, 1)
	require.NotNil(t, a.Variants[0].Stock)
	require.Equal(t, 5, *a.Variants[0].Stock)
	require.Equal(t, "x", a.Fields["supplier_only"])
	require.Equal(t, "Feed Title", a.Fields["title"])
	require.Equal(t, "Unknown", out[1].Title)
	require.Equal(t, "Feed Title", records[0].Title)
	require.Empty(t, records[0].Variants, "input untouched")
}

func TestEnrichAbortsOnUnauthorized(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{"A": ErrUnauthorized}}
	_, _, err := NewEnricher(fetcher, 10, 0, nil).Enrich(context.Background(), []feed.Record{
		{ProductID: "A"}, {ProductID: "B"},
	})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, []string{"A"}, fetcher.calls)
}
