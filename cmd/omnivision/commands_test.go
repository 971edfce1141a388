package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fuad49/omnivision/internal/ingest"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClientPost(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/users": `{"status":"saved"}`,
	})
	client := ts.client()

	resp, err := client.post(ctx, "/api/users", map[string]any{"facebook_user_id": "owner-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "saved" {
		t.Errorf("status = %q, want saved", result["status"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["facebook_user_id"] != "owner-1" {
		t.Errorf("body = %v", body)
	}
}

func TestDecodeJSON_ErrorBody(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.client()

	resp, err := client.get(ctx, "/api/shops/999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]any
	if err := decodeJSON(resp, &result); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestUploadProduct(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/shops/101/products": `{"id":"prod-1","status":"queued"}`,
	})
	client := ts.client()

	imagePath := filepath.Join(t.TempDir(), "leather-watch.jpg")
	if err := os.WriteFile(imagePath, []byte("fake image"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	item := ingest.PriceListItem{Name: "Leather Watch", Price: 49.99}
	if err := uploadProduct(client, 101, item, imagePath); err != nil {
		t.Fatalf("uploadProduct: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Path != "/api/shops/101/products" {
		t.Errorf("path = %q", r.Path)
	}
	for _, want := range []string{"Leather Watch", "49.99", "fake image"} {
		if !bytes.Contains([]byte(r.Body), []byte(want)) {
			t.Errorf("multipart body missing %q", want)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Leather Strap Watch", "leather-strap-watch"},
		{"Tote Bag (Large)", "tote-bag-large"},
		{"  Wool  Beanie  ", "wool-beanie"},
		{"Café Crème", "café-crème"},
		{"3-Pack Socks", "3-pack-socks"},
		{"", ""},
	}
	for _, c := range cases {
		if got := slugify(c.in); got != c.want {
			t.Errorf("slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFindProductImage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "leather-watch.png"), []byte("img"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	if got := findProductImage(dir, "Leather Watch"); got != filepath.Join(dir, "leather-watch.png") {
		t.Errorf("findProductImage = %q", got)
	}
	if got := findProductImage(dir, "Missing Product"); got != "" {
		t.Errorf("findProductImage for missing = %q, want empty", got)
	}
}
