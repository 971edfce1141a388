// Package messenger talks to the Facebook Graph API: sending replies to page
// conversations and managing webhook subscriptions for onboarded pages.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v18.0"
	defaultTimeout = 15 * time.Second
)

// Client is a Graph API client. Page access tokens are supplied per call
// because every message is sent on behalf of a different shop's page.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(baseURL string) *Client {
	c := NewClient()
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetTimeout overrides the per-call timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

type recipient struct {
	ID string `json:"id"`
}

type textMessage struct {
	Text string `json:"text"`
}

type attachmentMessage struct {
	Attachment attachment `json:"attachment"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type attachmentPayload struct {
	URL        string `json:"url"`
	IsReusable bool   `json:"is_reusable"`
}

type sendRequest struct {
	Recipient recipient   `json:"recipient"`
	Message   interface{} `json:"message"`
}

// SendText delivers a text reply to a page conversation.
func (c *Client) SendText(ctx context.Context, pageToken, recipientID, text string) error {
	return c.send(ctx, pageToken, sendRequest{
		Recipient: recipient{ID: recipientID},
		Message:   textMessage{Text: text},
	})
}

// SendImage delivers an image attachment by URL.
func (c *Client) SendImage(ctx context.Context, pageToken, recipientID, imageURL string) error {
	return c.send(ctx, pageToken, sendRequest{
		Recipient: recipient{ID: recipientID},
		Message: attachmentMessage{
			Attachment: attachment{
				Type:    "image",
				Payload: attachmentPayload{URL: imageURL, IsReusable: true},
			},
		},
	})
}

func (c *Client) send(ctx context.Context, pageToken string, req sendRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling send request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/me/messages?access_token=" + url.QueryEscape(pageToken)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// SubscribePage subscribes the app to a page's message webhooks. Without this
// the page's conversations never reach the webhook endpoint.
func (c *Client) SubscribePage(ctx context.Context, pageToken string, pageID int64) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("access_token", pageToken)
	params.Set("subscribed_fields", "messages,messaging_postbacks")
	endpoint := c.baseURL + "/" + strconv.FormatInt(pageID, 10) + "/subscribed_apps?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("subscribing page %d: %w", pageID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("subscribe failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// UnsubscribePage removes the app's webhook subscription for a page.
// Called on shop offboarding.
func (c *Client) UnsubscribePage(ctx context.Context, pageToken string, pageID int64) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("access_token", pageToken)
	endpoint := c.baseURL + "/" + strconv.FormatInt(pageID, 10) + "/subscribed_apps?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("unsubscribing page %d: %w", pageID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unsubscribe failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
