package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewchat/internal/models"
)

const historyTimeout = 10 * time.Second

type historyResponse struct {
	Messages []models.Message `json:"messages"`
}

// NewHTTPHistory loads room history from the gateway's
// GET /rooms/:room_id/messages.
func NewHTTPHistory(endpoint, token string, client *http.Client) HistoryFunc {
	if client == nil {
		client = &http.Client{Timeout: historyTimeout}
	}
	base := strings.TrimSuffix(endpoint, "/")
	if u, err := url.Parse(base); err == nil {
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		base = u.String()
	}

	return func(ctx context.Context, roomID string) ([]models.Message, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/rooms/"+url.PathEscape(roomID)+"/messages", nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("load history: unexpected status %d", resp.StatusCode)
		}

		var out historyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("load history: decode: %w", err)
		}
		for i := range out.Messages {
			out.Messages[i].Status = models.StatusConfirmed
			out.Messages[i].IsLocalEcho = false
		}
		return out.Messages, nil
	}
}
