package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fuad49/omnivision/internal/storage"
)

type OnboardShopRequest struct {
	PageID      int64  `json:"page_id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
	MsgFound    string `json:"msg_found"`
	MsgNotFound string `json:"msg_not_found"`
	SendImage   bool   `json:"send_image"`
}

type ShopResponse struct {
	PageID      int64  `json:"page_id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	MsgFound    string `json:"msg_found"`
	MsgNotFound string `json:"msg_not_found"`
	SendImage   bool   `json:"send_image"`
	CreatedAt   string `json:"created_at"`
}

// handleOnboardShop registers a page: the access token is sealed before it
// touches the database, and the app subscribes itself to the page's webhooks
// so messages start flowing. A failed subscribe does not fail the onboarding;
// the shop is saved and the response carries a warning so the owner can retry
// with a fresh token.
func handleOnboardShop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req OnboardShopRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.PageID == 0 || req.OwnerID == "" || req.AccessToken == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "page_id, owner_id and access_token are required")
			return
		}
		if req.MsgFound == "" {
			req.MsgFound = "Found {name} for {price}. Confidence: {confidence}%"
		}
		if req.MsgNotFound == "" {
			req.MsgNotFound = "Sorry, we could not find a match for that item."
		}

		sealed, err := deps.Sealer.Seal(req.AccessToken)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to seal token: %v", err)
			return
		}

		shop := storage.Shop{
			PageID:               req.PageID,
			OwnerID:              req.OwnerID,
			Name:                 req.Name,
			EncryptedAccessToken: sealed,
			MsgFound:             req.MsgFound,
			MsgNotFound:          req.MsgNotFound,
			SendImage:            req.SendImage,
			ServiceImage:         true,
		}
		if err := deps.Store.UpsertShop(shop); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save shop: %v", err)
			return
		}

		resp := map[string]any{"page_id": req.PageID, "status": "onboarded"}
		if err := deps.Subscriber.SubscribePage(r.Context(), req.AccessToken, req.PageID); err != nil {
			deps.Logger.Warn("page subscription failed during onboarding", "page_id", req.PageID, "error", err)
			resp["warning"] = "page webhook subscription failed; messages will not arrive until it succeeds"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)
	}
}

func handleGetShop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageID, err := parsePageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid page id")
			return
		}

		shop, err := deps.Store.GetShopByPageID(pageID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "shop not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get shop: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(shopResponse(shop))
	}
}

type UpdateShopRequest struct {
	MsgFound     *string `json:"msg_found"`
	MsgNotFound  *string `json:"msg_not_found"`
	SendImage    *bool   `json:"send_image"`
	ServiceImage *bool   `json:"service_image"`
	ServiceChat  *bool   `json:"service_chat"`
	ChatContext  *string `json:"chat_context"`
}

func handleUpdateShop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageID, err := parsePageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid page id")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req UpdateShopRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		shop, err := deps.Store.GetShopByPageID(pageID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "shop not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get shop: %v", err)
			return
		}

		if req.MsgFound != nil {
			shop.MsgFound = *req.MsgFound
		}
		if req.MsgNotFound != nil {
			shop.MsgNotFound = *req.MsgNotFound
		}
		if req.SendImage != nil {
			shop.SendImage = *req.SendImage
		}
		if req.ServiceImage != nil {
			shop.ServiceImage = *req.ServiceImage
		}
		if req.ServiceChat != nil {
			shop.ServiceChat = *req.ServiceChat
		}
		if req.ChatContext != nil {
			shop.ChatContext = *req.ChatContext
		}

		err = deps.Store.UpdateShopSettings(pageID, shop.MsgFound, shop.MsgNotFound,
			shop.SendImage, shop.ServiceImage, shop.ServiceChat, shop.ChatContext)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update shop: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

// handleDeleteShop offboards a page. The webhook unsubscribe is best-effort:
// the row is deleted even when the Graph API call fails, otherwise a revoked
// token would make a shop undeletable.
func handleDeleteShop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageID, err := parsePageID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid page id")
			return
		}

		shop, err := deps.Store.GetShopByPageID(pageID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "shop not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get shop: %v", err)
			return
		}

		if token, openErr := deps.Sealer.Open(shop.EncryptedAccessToken); openErr == nil {
			if unsubErr := deps.Subscriber.UnsubscribePage(r.Context(), token, pageID); unsubErr != nil {
				deps.Logger.Warn("page unsubscribe failed, deleting shop anyway", "page_id", pageID, "error", unsubErr)
			}
		} else {
			deps.Logger.Warn("token unseal failed during offboarding", "page_id", pageID, "error", openErr)
		}

		if err := deps.Store.DeleteShop(pageID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete shop: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func shopResponse(shop storage.Shop) ShopResponse {
	return ShopResponse{
		PageID:      shop.PageID,
		OwnerID:     shop.OwnerID,
		Name:        shop.Name,
		MsgFound:    shop.MsgFound,
		MsgNotFound: shop.MsgNotFound,
		SendImage:   shop.SendImage,
		CreatedAt:   shop.CreatedAt.Format(time.RFC3339),
	}
}

func parsePageID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "pageID"), 10, 64)
}
