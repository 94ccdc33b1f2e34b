package fares

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// HTTPQuoter calls an external pricing service over HTTP.
type HTTPQuoter struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPQuoter(endpoint string) *HTTPQuoter {
	return &HTTPQuoter{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (h *HTTPQuoter) ComputeFareSnapshot(pickup, dropoff models.Point, capability string) (models.FareSnapshot, error) {
	body, _ := json.Marshal(map[string]any{
		"pickup":     pickup,
		"dropoff":    dropoff,
		"capability": capability,
	})
	resp, err := h.Client.Post(h.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return models.FareSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.FareSnapshot{}, fmt.Errorf("fare service status %d", resp.StatusCode)
	}
	var out models.FareSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.FareSnapshot{}, err
	}
	if out.QuotedAt.IsZero() {
		out.QuotedAt = time.Now()
	}
	return out, nil
}
