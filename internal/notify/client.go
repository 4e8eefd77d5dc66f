package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/p2pchat/internal/logger"
)

// Client calls the notify microservice. With an empty base URL every
// method is a no-op, so the API can run without the service in dev.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PushSubscription is the subscription object the browser produces.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type subscribeRequest struct {
	UserID       string           `json:"user_id"`
	Subscription PushSubscription `json:"subscription"`
}

// Subscribe stores a push subscription for the user on the notify service.
func (c *Client) Subscribe(ctx context.Context, userID int64, sub PushSubscription) error {
	if c.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(subscribeRequest{UserID: formatID(userID), Subscription: sub})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/subscribe", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("notify subscribe: %d", resp.StatusCode)
	}
	return nil
}

// Unsubscribe drops the subscription identified by endpoint.
func (c *Client) Unsubscribe(ctx context.Context, userID int64, endpoint string) error {
	if c.baseURL == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"user_id": formatID(userID), "endpoint": endpoint})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/subscribe", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("notify unsubscribe: %d", resp.StatusCode)
	}
	return nil
}

type notifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notify asks the notify service to push a browser notification to the
// user. Errors are logged, not returned; push delivery never blocks the
// message path.
func (c *Client) Notify(ctx context.Context, userID int64, title, body string, data map[string]string) {
	if c.baseURL == "" {
		return
	}
	payload := notifyRequest{UserID: formatID(userID), Title: title, Body: body, Data: data}
	bodyBytes, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(bodyBytes))
	if err != nil {
		logger.Errorf("notify request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Errorf("notify: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		logger.Errorf("notify: %d", resp.StatusCode)
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
