package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fuad49/omnivision/internal/storage"
)

const maxUploadSize = 10 << 20 // 10MB

type ProductResponse struct {
	ID        string  `json:"id"`
	ShopID    int64   `json:"shop_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	ImageURL  string  `json:"image_url"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

// handleUploadProduct accepts a multipart form with name, price, and an image
// file. The image lands in the media directory, the product row starts out
// pending, and a product_embed job makes it searchable once the worker gets
// to it.
func handleUploadProduct(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageID, err := parsePageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid page id")
			return
		}

		if _, err := deps.Store.GetShopByPageID(pageID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "shop not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get shop: %v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		price, err := strconv.ParseFloat(r.FormValue("price"), 64)
		if err != nil || price < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "price must be a non-negative number")
			return
		}

		file, header, err := r.FormFile("image")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image file is required")
			return
		}
		defer file.Close()

		productID := uuid.New().String()
		imagePath, err := saveUpload(deps.MediaDir, productID, header.Filename, file)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store image: %v", err)
			return
		}

		product := storage.Product{
			ID:        productID,
			ShopID:    pageID,
			Name:      name,
			Price:     price,
			ImageURL:  deps.MediaBaseURL + "/" + filepath.Base(imagePath),
			ImagePath: imagePath,
			Status:    storage.ProductPending,
		}
		if err := deps.Store.InsertProduct(product); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save product: %v", err)
			return
		}

		payload, err := json.Marshal(map[string]string{"product_id": productID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        storage.JobProductEmbed,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue embedding job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     productID,
			"status": "queued",
		})
	}
}

func handleListProducts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageID, err := parsePageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid page id")
			return
		}

		limit := parseIntParam(r, "limit", 50, 500)
		products, err := deps.Store.ListProductsByShop(pageID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list products: %v", err)
			return
		}

		resp := make([]ProductResponse, len(products))
		for i, p := range products {
			resp[i] = productResponse(p)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleDeleteProduct(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		product, err := deps.Store.GetProduct(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "product not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get product: %v", err)
			return
		}

		if deps.Index != nil {
			if err := deps.Index.DeleteProduct(r.Context(), id); err != nil {
				deps.Logger.Warn("vector index cleanup failed", "product_id", id, "error", err)
			}
		}
		if product.ImagePath != "" {
			if err := os.Remove(product.ImagePath); err != nil && !os.IsNotExist(err) {
				deps.Logger.Warn("media cleanup failed", "path", product.ImagePath, "error", err)
			}
		}

		if err := deps.Store.DeleteProduct(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete product: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// saveUpload writes an uploaded image under the media dir as <id><ext>.
// The extension is taken from the original filename, defaulting to .jpg.
func saveUpload(mediaDir, id, originalName string, src io.Reader) (string, error) {
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return "", fmt.Errorf("creating media dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
	default:
		ext = ".jpg"
	}
	path := filepath.Join(mediaDir, id+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating media file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing media file: %w", err)
	}
	return path, nil
}

func productResponse(p storage.Product) ProductResponse {
	return ProductResponse{
		ID:        p.ID,
		ShopID:    p.ShopID,
		Name:      p.Name,
		Price:     p.Price,
		ImageURL:  p.ImageURL,
		Status:    p.Status,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
