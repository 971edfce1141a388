package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fuad49/omnivision/internal/retrieval"
	"github.com/fuad49/omnivision/internal/storage"
)

// MCPEmbedder turns a text query into an embedding for catalog search.
type MCPEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Index    retrieval.ProductIndex
	Embedder MCPEmbedder
}

// NewMCPServer exposes the catalog and credit ledger as MCP tools, so an
// operator's assistant can inspect a shop without going through the HTTP API.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"omnivision",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("omnivision: product catalog search and credit accounting for Facebook shops."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("catalog_search",
			mcp.WithDescription("Semantically search a shop's product catalog with a text description."),
			mcp.WithString("query", mcp.Description("Text description of the product"), mcp.Required()),
			mcp.WithNumber("shop_id", mcp.Description("Page ID of the shop to search"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpCatalogSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("product_get",
			mcp.WithDescription("Fetch one product by ID."),
			mcp.WithString("id", mcp.Description("Product ID"), mcp.Required()),
		),
		mcpProductGet(deps),
	)

	s.AddTool(
		mcp.NewTool("credit_balance",
			mcp.WithDescription("Return a shop owner's remaining credit balance."),
			mcp.WithString("owner_id", mcp.Description("Facebook user ID of the shop owner"), mcp.Required()),
		),
		mcpCreditBalance(deps),
	)

	return s
}

func mcpCatalogSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		shopID := int64(req.GetInt("shop_id", 0))
		if shopID == 0 {
			return mcpError("shop_id is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		vec, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query failed: %v", err)), nil
		}

		// Text search has no retrieval floor: browsing, not matching.
		candidates, err := deps.Index.Search(ctx, vec, vec, 0, shopID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(candidates) == 0 {
			return mcpText("[]"), nil
		}

		type searchResult struct {
			ID       string  `json:"id"`
			Name     string  `json:"name"`
			Price    float64 `json:"price"`
			ImageURL string  `json:"image_url"`
			Score    float32 `json:"score"`
		}

		results := make([]searchResult, len(candidates))
		for i, c := range candidates {
			results[i] = searchResult{
				ID:       c.Product.ID,
				Name:     c.Product.Name,
				Price:    c.Product.Price,
				ImageURL: c.Product.ImageURL,
				Score:    c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProductGet(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		p, err := deps.Store.GetProduct(id)
		if err != nil {
			return mcpError(fmt.Sprintf("product lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"id":         p.ID,
			"shop_id":    p.ShopID,
			"name":       p.Name,
			"price":      p.Price,
			"image_url":  p.ImageURL,
			"status":     p.Status,
			"created_at": p.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal product: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreditBalance(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ownerID, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}

		u, err := deps.Store.GetUser(ownerID)
		if err != nil {
			return mcpError(fmt.Sprintf("user lookup failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf(`{"owner_id":%q,"credits":%d}`, u.FacebookUserID, u.Credits)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
