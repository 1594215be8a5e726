package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/models"
)

const historyTimeout = 15 * time.Second

// HistoryClient fetches prior messages for a conversation from the external
// history API. It never returns an error: any failure degrades to
// {isSuccess:false, data:[]} and a log line, and the caller decides what to
// tell the user.
type HistoryClient struct {
	baseURL string
	client  *http.Client
}

func NewHistoryClient(baseURL string) *HistoryClient {
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: historyTimeout},
	}
}

// Fetch loads the messages between the local user and peerID. The query key
// "RecevierId" is the wire contract of the history API, misspelling included.
func (h *HistoryClient) Fetch(ctx context.Context, peerID, token string) models.HistoryResponse {
	endpoint := h.baseURL + "/api/Chat/messages?RecevierId=" + url.QueryEscape(peerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		logging.Errorf("chat: build history request: %v", err)
		return models.HistoryResponse{IsSuccess: false, Data: []models.Message{}}
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		logging.Errorf("chat: history fetch for %s: %v", peerID, err)
		return models.HistoryResponse{IsSuccess: false, Data: []models.Message{}}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Errorf("chat: history fetch for %s: status %d", peerID, resp.StatusCode)
		return models.HistoryResponse{IsSuccess: false, Data: []models.Message{}}
	}

	var out models.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		logging.Errorf("chat: decode history response: %v", err)
		return models.HistoryResponse{IsSuccess: false, Data: []models.Message{}}
	}
	if out.Data == nil {
		out.Data = []models.Message{}
	}
	return out
}
