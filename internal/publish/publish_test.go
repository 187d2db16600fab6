package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/getpawsy/catalog/internal/catalog"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []execCall
	fail  string
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.fail != "" && args[0] == f.fail {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

type fakeTx struct {
	pgx.Tx
	fakeExecer
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.fakeExecer.Exec(ctx, sql, args...)
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeStarter struct{ tx *fakeTx }

func (f *fakeStarter) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return f.tx, nil
}

func product(id string, active bool) catalog.Product {
	compare := decimal.RequireFromString("13.99")
	return catalog.Product{
		ID:               id,
		Slug:             "feather-wand-" + id,
		Title:            "Feather Wand",
		Price:            decimal.RequireFromString("11.99"),
		CompareAtPrice:   &compare,
		MainCategorySlug: catalog.MainCats,
		SubcategorySlug:  "toys",
		PetType:          catalog.PetCat,
		Images:           []string{"/images/products/a.jpg"},
		Variants:         []catalog.Variant{{ID: id + "::default", Price: decimal.RequireFromString("11.99"), Options: map[string]string{}, IsDefault: true, Available: true}},
		Active:           active,
		UpdatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestUpsertWritesEveryProduct(t *testing.T) {
	fake := &fakeExecer{}
	blocked := product("b", false)
	blocked.Images = nil
	blocked.CompareAtPrice = nil
	blocked.BlockedReason = "non_pet"

	result, err := Upsert(context.Background(), fake, []catalog.Product{product("a", true), blocked})
	require.NoError(t, err)
	require.Equal(t, Result{Products: 2, Written: 2, Published: 1}, result)
	require.Len(t, fake.calls, 2)

	args := fake.calls[0].args
	require.Equal(t, "a", args[0])
	require.Equal(t, "11.99", args[3])
	require.Equal(t, "13.99", args[4])
	require.Equal(t, `["/images/products/a.jpg"]`, args[8])
	var variants []map[string]any
	require.NoError(t, json.Unmarshal([]byte(args[9].(string)), &variants))
	require.Equal(t, "a::default", variants[0]["id"])
	require.Equal(t, true, args[11])

	args = fake.calls[1].args
	require.Nil(t, args[4])
	require.Equal(t, "[]", args[8])
	require.Equal(t, "non_pet", args[12])
}

func TestUpsertStopsOnError(t *testing.T) {
	fake := &fakeExecer{fail: "b"}
	_, err := Upsert(context.Background(), fake, []catalog.Product{product("a", true), product("b", true), product("c", true)})
	require.ErrorContains(t, err, "publish: upsert b")
	require.Len(t, fake.calls, 1)
}

func TestPruneKeepsCatalogIDs(t *testing.T) {
	exec := &fakeExecer{}
	n, err := Prune(context.Background(), exec, []string{"cj-1", "cj-2"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, exec.calls, 1)
	require.Contains(t, exec.calls[0].sql, "DELETE FROM catalog_products")
	require.Equal(t, []string{"cj-1", "cj-2"}, exec.calls[0].args[0])

	_, err = Prune(context.Background(), exec, nil)
	require.ErrorContains(t, err, "empty catalog")
	require.Len(t, exec.calls, 1)
}

func TestPublishRunsInOneTransaction(t *testing.T) {
	tx := &fakeTx{}
	pub := NewPublisher(&fakeStarter{tx: tx}, nil)

	result, err := pub.Publish(context.Background(), &catalog.Catalog{Products: []catalog.Product{product("a", true)}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Published)
	require.True(t, tx.committed)
	require.False(t, tx.rolledBack)
	require.Len(t, tx.calls, 2)
	require.Contains(t, tx.calls[0].sql, "CREATE TABLE IF NOT EXISTS catalog_products")
}

func TestPublishRollsBackFailedUpsert(t *testing.T) {
	tx := &fakeTx{fakeExecer: fakeExecer{fail: "b"}}
	pub := NewPublisher(&fakeStarter{tx: tx}, nil)

	_, err := pub.Publish(context.Background(), &catalog.Catalog{Products: []catalog.Product{product("a", true), product("b", true)}})
	require.ErrorContains(t, err, "publish: upsert b")
	require.False(t, tx.committed)
	require.True(t, tx.rolledBack)
}
