package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuad49/omnivision/internal/storage"
)

type UpsertUserRequest struct {
	FacebookUserID string `json:"facebook_user_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
}

type UserResponse struct {
	FacebookUserID string `json:"facebook_user_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Credits        int    `json:"credits"`
	CreatedAt      string `json:"created_at"`
}

func handleUpsertUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req UpsertUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.FacebookUserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "facebook_user_id is required")
			return
		}

		err := deps.Store.UpsertUser(storage.User{
			FacebookUserID: req.FacebookUserID,
			Name:           req.Name,
			Email:          req.Email,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save user: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"status": "saved"})
	}
}

func handleGetUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		u, err := deps.Store.GetUser(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get user: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(UserResponse{
			FacebookUserID: u.FacebookUserID,
			Name:           u.Name,
			Email:          u.Email,
			Credits:        u.Credits,
			CreatedAt:      u.CreatedAt.Format(time.RFC3339),
		})
	}
}

func handleListUserShops(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		pageIDs, err := deps.Store.ListShopsByOwner(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list shops: %v", err)
			return
		}

		resp := make([]ShopResponse, 0, len(pageIDs))
		for _, pageID := range pageIDs {
			shop, err := deps.Store.GetShopByPageID(pageID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list shops: %v", err)
				return
			}
			resp = append(resp, shopResponse(shop))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type AddCreditsRequest struct {
	Amount int `json:"amount"`
}

func handleAddCredits(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req AddCreditsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Amount <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "amount must be positive")
			return
		}

		balance, err := deps.Store.AddCredits(id, req.Amount)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add credits: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"credits": balance})
	}
}
