package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/getpawsy/catalog/internal/catalog"
	"github.com/getpawsy/catalog/internal/platform/httpx"
	"github.com/getpawsy/catalog/internal/variants"
)

// CatalogLoader reads the persisted catalog. *catalog.Store satisfies it.
type CatalogLoader interface {
	Load(ctx context.Context) (*catalog.Catalog, error)
}

// CachedCatalog memoises a loader for ttl so API requests do not re-read the
// catalog file on every call.
type CachedCatalog struct {
	loader CatalogLoader
	ttl    time.Duration
	clock  func() time.Time

	mu       sync.Mutex
	cat      *catalog.Catalog
	loadedAt time.Time
}

// NewCachedCatalog wraps loader with a ttl cache.
func NewCachedCatalog(loader CatalogLoader, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{loader: loader, ttl: ttl, clock: time.Now}
}

// Load returns the cached catalog, refreshing it once the ttl has passed.
func (c *CachedCatalog) Load(ctx context.Context) (*catalog.Catalog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if c.cat != nil && now.Sub(c.loadedAt) < c.ttl {
		return c.cat, nil
	}
	cat, err := c.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	c.cat = cat
	c.loadedAt = now
	return cat, nil
}

// CatalogHandler serves read-only catalog endpoints.
type CatalogHandler struct {
	loader    CatalogLoader
	strict    bool
	logger    *slog.Logger
	validator *validator.Validate
}

// NewCatalogHandler constructs a CatalogHandler. With strict set, cart
// validation refuses products without a supplier mapping.
func NewCatalogHandler(loader CatalogLoader, strict bool, logger *slog.Logger) *CatalogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogHandler{
		loader:    loader,
		strict:    strict,
		logger:    logger,
		validator: validator.New(),
	}
}

// MountRoutes registers catalog routes on the provided router.
func (h *CatalogHandler) MountRoutes(r chi.Router) {
	r.Get("/catalog/stats", h.stats)
	r.Get("/catalog/products/{id}", h.product)
	r.Post("/cart/validate", h.validateCart)
}

type statsResponse struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Stats       catalog.Stats     `json:"stats"`
	BuildInfo   catalog.BuildInfo `json:"buildInfo"`
}

// load reads the catalog and writes the error response itself on failure.
func (h *CatalogHandler) load(w http.ResponseWriter, r *http.Request) (*catalog.Catalog, bool) {
	cat, err := h.loader.Load(r.Context())
	if err == nil {
		return cat, true
	}
	h.logger.Error("load catalog", slog.Any("error", err))
	if errors.Is(err, catalog.ErrCorrupt) {
		err = fmt.Errorf("%w: %w", httpx.ErrUnavailable, err)
	}
	httpx.RespondError(w, err)
	return nil, false
}

func (h *CatalogHandler) stats(w http.ResponseWriter, r *http.Request) {
	cat, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, statsResponse{
		GeneratedAt: cat.GeneratedAt,
		Stats:       cat.Stats,
		BuildInfo:   cat.BuildInfo,
	})
}

func (h *CatalogHandler) product(w http.ResponseWriter, r *http.Request) {
	cat, ok := h.load(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	product, found := cat.Find(id)
	if !found {
		httpx.RespondError(w, fmt.Errorf("product %q: %w", id, httpx.ErrNotFound))
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

type cartRequest struct {
	ProductID string `json:"productId" validate:"required"`
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity" validate:"omitempty,min=1,max=99"`
}

type cartResponse struct {
	Valid     bool             `json:"valid"`
	ProductID string           `json:"productId"`
	Variant   *catalog.Variant `json:"variant,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
}

func (h *CatalogHandler) validateCart(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be a single JSON object")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	cat, ok := h.load(w, r)
	if !ok {
		return
	}

	product, _ := cat.Find(req.ProductID)
	variant, err := variants.ValidateForCart(product, req.VariantID, h.strict)
	var cartErr *variants.CartError
	switch {
	case errors.As(err, &cartErr):
		httpx.JSON(w, cartErr.Status(), cartResponse{
			ProductID: req.ProductID,
			Code:      cartErr.Code,
			Message:   cartErr.Error(),
		})
	case err != nil:
		httpx.RespondError(w, err)
	default:
		httpx.JSON(w, http.StatusOK, cartResponse{Valid: true, ProductID: req.ProductID, Variant: variant})
	}
}
