package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/fuad49/omnivision/internal/pipeline"
	"github.com/fuad49/omnivision/internal/security"
	"github.com/fuad49/omnivision/internal/storage"
)

const testAPIToken = "test-api-token"

type mockSubscriber struct {
	subscribed   []int64
	unsubscribed []int64
	subscribeErr error
}

func (m *mockSubscriber) SubscribePage(_ context.Context, _ string, pageID int64) error {
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscribed = append(m.subscribed, pageID)
	return nil
}

func (m *mockSubscriber) UnsubscribePage(_ context.Context, _ string, pageID int64) error {
	m.unsubscribed = append(m.unsubscribed, pageID)
	return nil
}

type noopProcessor struct{}

func (noopProcessor) Process(context.Context, pipeline.ImageEvent) {}

func setupHandler(t *testing.T) (http.Handler, *storage.Store, *mockSubscriber) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sealer, err := security.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sub := &mockSubscriber{}
	h := NewHandler(Deps{
		Store:        store,
		Processor:    noopProcessor{},
		Subscriber:   sub,
		Sealer:       sealer,
		VerifyToken:  "verify-secret",
		APIToken:     testAPIToken,
		MediaDir:     t.TempDir(),
		MediaBaseURL: "http://localhost:4600/media",
	})
	return h, store, sub
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	h, _, _ := setupHandler(t)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/api/shops/101", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestOnboardShop(t *testing.T) {
	h, store, sub := setupHandler(t)

	body := `{"page_id":101,"owner_id":"owner-1","name":"Watches & Co","access_token":"EAAB-token","send_image":true}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/shops", body, testAPIToken))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	if len(sub.subscribed) != 1 || sub.subscribed[0] != 101 {
		t.Errorf("subscribed = %v, want [101]", sub.subscribed)
	}

	shop, err := store.GetShopByPageID(101)
	if err != nil {
		t.Fatalf("GetShopByPageID: %v", err)
	}
	if shop.EncryptedAccessToken == "EAAB-token" {
		t.Error("access token stored in the clear")
	}
	if shop.MsgFound != "Found {name} for {price}. Confidence: {confidence}%" {
		t.Errorf("default msg_found = %q", shop.MsgFound)
	}
	if shop.MsgNotFound != "Sorry, we could not find a match for that item." {
		t.Errorf("default msg_not_found = %q", shop.MsgNotFound)
	}
	if !shop.SendImage {
		t.Error("send_image not persisted")
	}
}

func TestOnboardShop_MissingFields(t *testing.T) {
	h, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/shops", `{"page_id":101}`, testAPIToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestOnboardShop_SubscribeFailureStillSucceeds(t *testing.T) {
	h, store, sub := setupHandler(t)
	sub.subscribeErr = errors.New("graph api down")

	body := `{"page_id":101,"owner_id":"owner-1","access_token":"tok"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/shops", body, testAPIToken))

	// The subscribe is best-effort: the shop row must exist so the owner can
	// retry the subscription with a fresh token instead of re-onboarding.
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["warning"] == "" || resp["warning"] == nil {
		t.Errorf("resp = %v, want a warning about the failed subscription", resp)
	}
	if _, err := store.GetShopByPageID(101); err != nil {
		t.Errorf("shop not saved after failed subscribe: %v", err)
	}
}

func TestGetShop(t *testing.T) {
	h, _, _ := setupHandler(t)
	onboardTestShop(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/shops/101", "", testAPIToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp ShopResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.PageID != 101 || resp.OwnerID != "owner-1" {
		t.Errorf("resp = %+v", resp)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/shops/999", "", testAPIToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing shop: status = %d, want 404", rr.Code)
	}
}

func TestUpdateShop_PartialPatch(t *testing.T) {
	h, store, _ := setupHandler(t)
	onboardTestShop(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPatch, "/api/shops/101", `{"msg_not_found":"Nothing today."}`, testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	shop, err := store.GetShopByPageID(101)
	if err != nil {
		t.Fatalf("GetShopByPageID: %v", err)
	}
	if shop.MsgNotFound != "Nothing today." {
		t.Errorf("msg_not_found = %q", shop.MsgNotFound)
	}
	// Untouched fields survive the patch.
	if shop.MsgFound != "Found {name} for {price}. Confidence: {confidence}%" {
		t.Errorf("msg_found = %q, should be unchanged", shop.MsgFound)
	}
}

func TestUpdateShop_ServiceFlags(t *testing.T) {
	h, store, _ := setupHandler(t)
	onboardTestShop(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPatch, "/api/shops/101", `{"service_image":false,"service_chat":true}`, testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	shop, err := store.GetShopByPageID(101)
	if err != nil {
		t.Fatalf("GetShopByPageID: %v", err)
	}
	if shop.ServiceImage {
		t.Error("service_image still enabled after patch")
	}
	if !shop.ServiceChat {
		t.Error("service_chat not enabled by patch")
	}
}

func TestListUserShops(t *testing.T) {
	h, _, _ := setupHandler(t)
	onboardTestShop(t, h)

	body := `{"page_id":303,"owner_id":"owner-1","access_token":"tok"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/shops", body, testAPIToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("onboarding second shop: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/users/owner-1/shops", "", testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var shops []ShopResponse
	if err := json.NewDecoder(rr.Body).Decode(&shops); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(shops) != 2 || shops[0].PageID != 101 || shops[1].PageID != 303 {
		t.Errorf("shops = %+v, want pages 101 and 303 in order", shops)
	}
}

func TestListUserShops_EmptyForUnknownOwner(t *testing.T) {
	h, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/users/nobody/shops", "", testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var shops []ShopResponse
	json.NewDecoder(rr.Body).Decode(&shops)
	if len(shops) != 0 {
		t.Errorf("shops = %+v, want empty list", shops)
	}
}

func TestDeleteShop_UnsubscribesFirst(t *testing.T) {
	h, store, sub := setupHandler(t)
	onboardTestShop(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/api/shops/101", "", testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if len(sub.unsubscribed) != 1 || sub.unsubscribed[0] != 101 {
		t.Errorf("unsubscribed = %v, want [101]", sub.unsubscribed)
	}
	if _, err := store.GetShopByPageID(101); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("shop still present after delete: %v", err)
	}
}

func TestUserLifecycle(t *testing.T) {
	h, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/users", `{"facebook_user_id":"owner-1","name":"Fuad"}`, testAPIToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create user: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/users/owner-1/credits", `{"amount":25}`, testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("add credits: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var credits map[string]int
	json.NewDecoder(rr.Body).Decode(&credits)
	if credits["credits"] != 25 {
		t.Errorf("credits = %d, want 25", credits["credits"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/users/owner-1", "", testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get user: status = %d", rr.Code)
	}
	var user UserResponse
	json.NewDecoder(rr.Body).Decode(&user)
	if user.FacebookUserID != "owner-1" || user.Credits != 25 {
		t.Errorf("user = %+v", user)
	}
}

func TestAddCredits_Validation(t *testing.T) {
	h, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/users/owner-1/credits", `{"amount":0}`, testAPIToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("zero amount: status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/users/nobody/credits", `{"amount":5}`, testAPIToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing user: status = %d, want 404", rr.Code)
	}
}

func TestUploadProduct(t *testing.T) {
	h, store, _ := setupHandler(t)
	onboardTestShop(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartProductReq(t, "/api/shops/101/products", "Leather Watch", "49.99", "watch.png"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("resp = %v", resp)
	}

	p, err := store.GetProduct(resp["id"])
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Status != storage.ProductPending {
		t.Errorf("status = %q, want pending", p.Status)
	}
	if !strings.HasSuffix(p.ImagePath, ".png") {
		t.Errorf("image path = %q, want .png extension kept", p.ImagePath)
	}
	if !strings.HasPrefix(p.ImageURL, "http://localhost:4600/media/") {
		t.Errorf("image url = %q", p.ImageURL)
	}
	if _, err := os.Stat(p.ImagePath); err != nil {
		t.Errorf("stored image missing: %v", err)
	}

	job, err := store.ClaimNextJob([]string{storage.JobProductEmbed})
	if err != nil || job == nil {
		t.Fatalf("expected an embed job, got %v, %v", job, err)
	}
	if !strings.Contains(job.PayloadJSON, resp["id"]) {
		t.Errorf("job payload = %q", job.PayloadJSON)
	}
}

func TestUploadProduct_UnknownShop(t *testing.T) {
	h, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartProductReq(t, "/api/shops/999/products", "Watch", "10", "w.jpg"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestUploadProduct_Validation(t *testing.T) {
	h, _, _ := setupHandler(t)
	onboardTestShop(t, h)

	cases := []struct {
		name  string
		pname string
		price string
	}{
		{"empty name", "", "10"},
		{"bad price", "Watch", "cheap"},
		{"negative price", "Watch", "-5"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, multipartProductReq(t, "/api/shops/101/products", c.pname, c.price, "w.jpg"))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestDeleteProduct_RemovesMedia(t *testing.T) {
	h, store, _ := setupHandler(t)
	onboardTestShop(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartProductReq(t, "/api/shops/101/products", "Watch", "10", "w.jpg"))
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	p, err := store.GetProduct(resp["id"])
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/api/products/"+p.ID, "", testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if _, err := os.Stat(p.ImagePath); !os.IsNotExist(err) {
		t.Errorf("media file still present: %v", err)
	}
	if _, err := store.GetProduct(p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("product still present: %v", err)
	}
}

func TestListProducts(t *testing.T) {
	h, _, _ := setupHandler(t)
	onboardTestShop(t, h)

	for _, name := range []string{"Watch", "Tote"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, multipartProductReq(t, "/api/shops/101/products", name, "10", "p.jpg"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("upload %s: status = %d", name, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/shops/101/products", "", testAPIToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var products []ProductResponse
	json.NewDecoder(rr.Body).Decode(&products)
	if len(products) != 2 {
		t.Errorf("got %d products, want 2", len(products))
	}
}

func onboardTestShop(t *testing.T, h http.Handler) {
	t.Helper()
	body := `{"page_id":101,"owner_id":"owner-1","access_token":"tok"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/shops", body, testAPIToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("onboarding test shop: status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func multipartProductReq(t *testing.T, url, name, price, filename string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if name != "" {
		mw.WriteField("name", name)
	}
	mw.WriteField("price", price)
	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	fw.Write([]byte("fake image bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	return req
}
