package main

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/fuad49/omnivision/internal/ingest"
	"github.com/fuad49/omnivision/internal/security"
)

// --- onboard ---

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Register a Facebook page as a shop",
	Long: `Register a Facebook page as a shop.

Creates the owner's credit account if needed, seals the page access token,
and subscribes the app to the page's message webhooks.

Example:
  omnivision onboard --page-id 1234567890 --owner 998877 --token EAAB... --name "Riya's Watches"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pageID, _ := cmd.Flags().GetInt64("page-id")
		owner, _ := cmd.Flags().GetString("owner")
		token, _ := cmd.Flags().GetString("token")
		name, _ := cmd.Flags().GetString("name")
		msgFound, _ := cmd.Flags().GetString("msg-found")
		msgNotFound, _ := cmd.Flags().GetString("msg-not-found")
		sendImage, _ := cmd.Flags().GetBool("send-image")

		if pageID == 0 || owner == "" || token == "" {
			return fmt.Errorf("--page-id, --owner, and --token are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		printStep("Creating owner account %s...", owner)
		resp, err := client.post(ctx, "/api/users", map[string]any{"facebook_user_id": owner})
		if err != nil {
			return err
		}
		var userResult map[string]string
		if err := decodeJSON(resp, &userResult); err != nil {
			return err
		}

		printStep("Onboarding page %d...", pageID)
		resp, err = client.post(ctx, "/api/shops", map[string]any{
			"page_id":       pageID,
			"owner_id":      owner,
			"name":          name,
			"access_token":  token,
			"msg_found":     msgFound,
			"msg_not_found": msgNotFound,
			"send_image":    sendImage,
		})
		if err != nil {
			return err
		}
		var shopResult map[string]any
		if err := decodeJSON(resp, &shopResult); err != nil {
			return err
		}

		printSuccess("Page %d onboarded", pageID)
		return nil
	},
}

func init() {
	onboardCmd.Flags().Int64("page-id", 0, "Facebook page ID")
	onboardCmd.Flags().String("owner", "", "Facebook user ID of the shop owner")
	onboardCmd.Flags().String("token", "", "page access token")
	onboardCmd.Flags().String("name", "", "shop display name")
	onboardCmd.Flags().String("msg-found", "", "reply template for matches ({name}, {price}, {confidence})")
	onboardCmd.Flags().String("msg-not-found", "", "reply when nothing matches")
	onboardCmd.Flags().Bool("send-image", false, "send the product photo with match replies")
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a product catalog from a price-list PDF",
	Long: `Import a product catalog from a price-list PDF.

Each row of the PDF is expected to end in a price. Product photos are matched
from --images-dir by slugified product name: a row "Leather strap watch $49"
looks for leather-strap-watch.jpg/.png/.webp. Rows without a matching photo
are skipped, since a product cannot be searched without one.

Example:
  omnivision import --shop 1234567890 --pdf catalog.pdf --images-dir ./photos`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shopID, _ := cmd.Flags().GetInt64("shop")
		pdfPath, _ := cmd.Flags().GetString("pdf")
		imagesDir, _ := cmd.Flags().GetString("images-dir")

		if shopID == 0 || pdfPath == "" || imagesDir == "" {
			return fmt.Errorf("--shop, --pdf, and --images-dir are required")
		}

		printStep("Parsing %s...", pdfPath)
		items, err := ingest.ParsePriceList(pdfPath)
		if err != nil {
			return err
		}
		printStatus("Rows", "%d", len(items))

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		imported, skipped := 0, 0
		for _, item := range items {
			imagePath := findProductImage(imagesDir, item.Name)
			if imagePath == "" {
				printWarning("No photo for %q, skipping", item.Name)
				skipped++
				continue
			}
			if err := uploadProduct(client, shopID, item, imagePath); err != nil {
				printError("Failed to import %q: %v", item.Name, err)
				skipped++
				continue
			}
			imported++
		}

		printSuccess("Imported %d products (%d skipped)", imported, skipped)
		return nil
	},
}

func init() {
	importCmd.Flags().Int64("shop", 0, "page ID of the shop")
	importCmd.Flags().String("pdf", "", "path to the price-list PDF")
	importCmd.Flags().String("images-dir", "", "directory of product photos named by slugified product name")
}

// findProductImage looks for <slug>.jpg/.jpeg/.png/.webp under dir.
func findProductImage(dir, name string) string {
	slug := slugify(name)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".webp"} {
		path := filepath.Join(dir, slug+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func slugify(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastDash = false
		case !lastDash:
			sb.WriteRune('-')
			lastDash = true
		}
	}
	return strings.TrimRight(sb.String(), "-")
}

func uploadProduct(client *apiClient, shopID int64, item ingest.PriceListItem, imagePath string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", item.Name); err != nil {
		return err
	}
	if err := mw.WriteField("price", strconv.FormatFloat(item.Price, 'f', 2, 64)); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return err
	}
	f, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		f.Close()
		return err
	}
	f.Close()
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/shops/%d/products", client.baseURL, shopID)
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+client.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return err
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

// --- credits ---

var creditsCmd = &cobra.Command{
	Use:   "credits <owner-id> <amount>",
	Short: "Add credits to a shop owner's account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerID := args[0]
		amount, err := strconv.Atoi(args[1])
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/users/"+ownerID+"/credits", map[string]int{"amount": amount})
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Balance for %s: %d credits", ownerID, result["credits"])
		return nil
	},
}

// --- keygen ---

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a token encryption key",
	Long:  "Generate a fresh base64 key for OMNI_ENCRYPTION_KEY. Run once during setup.",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := security.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}
