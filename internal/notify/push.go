// Package notify posts events to an external push-notification gateway for
// parties that have no live websocket session. Delivery itself is the
// gateway's problem; sends here are fire-and-forget.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushClient posts JSON to an FCM-style HTTP endpoint.
type PushClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushClient(endpoint, key string) *PushClient {
	return &PushClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

// Push sends an event addressed to userID. Errors are swallowed: a missed
// push never blocks or fails a ride transition.
func (p *PushClient) Push(userID string, ev models.Event) {
	if p == nil || p.Endpoint == "" {
		return
	}
	body := map[string]any{"message": map[string]any{"user_id": userID, "data": ev}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	if resp, err := p.Client.Do(req); err == nil {
		resp.Body.Close()
	}
}
