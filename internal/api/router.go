// Package api exposes the HTTP surface: the Facebook webhook, shop and user
// administration, product uploads, and local media serving.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuad49/omnivision/internal/pipeline"
	"github.com/fuad49/omnivision/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// EventProcessor runs the matching pipeline for one photo event.
type EventProcessor interface {
	Process(ctx context.Context, event pipeline.ImageEvent)
}

// PageSubscriber manages a page's webhook subscription on the Graph API.
type PageSubscriber interface {
	SubscribePage(ctx context.Context, pageToken string, pageID int64) error
	UnsubscribePage(ctx context.Context, pageToken string, pageID int64) error
}

// TokenSealer encrypts and decrypts page access tokens.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// IndexDeleter removes a product from an external vector index.
// Nil when search runs directly off SQLite.
type IndexDeleter interface {
	DeleteProduct(ctx context.Context, productID string) error
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store        *storage.Store
	Processor    EventProcessor
	Subscriber   PageSubscriber
	Sealer       TokenSealer
	Index        IndexDeleter // optional
	VerifyToken  string
	AppSecret    string // optional; enables webhook signature checks
	APIToken     string
	MediaDir     string
	MediaBaseURL string // public prefix for uploaded images, e.g. https://host/media
	EventTimeout time.Duration
	Logger       *slog.Logger
}

// NewHandler assembles the full router. Webhook and media routes are public;
// everything under /api requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.EventTimeout <= 0 {
		deps.EventTimeout = 2 * time.Minute
	}

	r := chi.NewRouter()

	r.Get("/", handleHealth)
	r.Get("/webhook", handleWebhookVerify(deps))
	r.Post("/webhook", handleWebhookReceive(deps))
	r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(deps.MediaDir))))

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.APIToken))

		r.Post("/shops", handleOnboardShop(deps))
		r.Get("/shops/{pageID}", handleGetShop(deps))
		r.Patch("/shops/{pageID}", handleUpdateShop(deps))
		r.Delete("/shops/{pageID}", handleDeleteShop(deps))

		r.Post("/shops/{pageID}/products", handleUploadProduct(deps))
		r.Get("/shops/{pageID}/products", handleListProducts(deps))
		r.Delete("/products/{id}", handleDeleteProduct(deps))

		r.Post("/users", handleUpsertUser(deps))
		r.Get("/users/{id}", handleGetUser(deps))
		r.Get("/users/{id}/shops", handleListUserShops(deps))
		r.Post("/users/{id}/credits", handleAddCredits(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "omnivision"})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
