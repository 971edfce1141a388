package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fuad49/omnivision/internal/messenger"
	"github.com/fuad49/omnivision/internal/pipeline"
)

// handleWebhookVerify answers the Graph API subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func handleWebhookVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mode := q.Get("hub.mode")
		token := q.Get("hub.verify_token")
		challenge := q.Get("hub.challenge")

		if mode == "subscribe" && token == deps.VerifyToken {
			deps.Logger.Info("webhook verified")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(challenge))
			return
		}
		http.Error(w, "Verification failed", http.StatusForbidden)
	}
}

// handleWebhookReceive accepts event batches from Facebook. The response is
// always 200 with "EVENT_RECEIVED", even for payloads that fail to parse:
// Facebook retries non-200 responses, and retrying a failed pipeline run
// would double-charge credits. Processing happens in per-event goroutines with their own timeout
// so the webhook responds within Facebook's delivery deadline.
func handleWebhookReceive(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		if deps.AppSecret != "" && !validSignature(body, r.Header.Get("X-Hub-Signature-256"), deps.AppSecret) {
			deps.Logger.Warn("webhook signature mismatch, dropping payload")
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}

		// A malformed payload is still acked 200, otherwise Facebook keeps
		// redelivering the same broken body.
		var payload messenger.WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			deps.Logger.Warn("ignoring malformed webhook payload", "error", err)
		} else if payload.Object == "page" {
			dispatchEvents(deps, payload)
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("EVENT_RECEIVED"))
	}
}

func dispatchEvents(deps Deps, payload messenger.WebhookPayload) {
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			imageURL := ev.Message.FirstImageURL()
			if imageURL == "" || ev.Sender.ID == "" || ev.Recipient.ID == "" {
				continue
			}
			pageID, err := strconv.ParseInt(ev.Recipient.ID, 10, 64)
			if err != nil {
				deps.Logger.Warn("non-numeric recipient page id", "recipient_id", ev.Recipient.ID)
				continue
			}

			event := pipeline.ImageEvent{
				SenderID: ev.Sender.ID,
				PageID:   pageID,
				ImageURL: imageURL,
			}
			// Detached from the request context: the webhook response must
			// not wait for the pipeline.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), deps.EventTimeout)
				defer cancel()
				deps.Processor.Process(ctx, event)
			}()
		}
	}
}

func validSignature(body []byte, header, appSecret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(expected)) == 1
}
