// Package classify is the HTTP client for the external gesture
// classification service: one still frame in, a label and a confidence out.
package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/signlink/signlink/internal/domain"
)

const defaultTimeout = 3 * time.Second

// Client talks to the classifier's JSON endpoints.
type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Image string `json:"image"`
}

type predictResponse struct {
	domain.Prediction
	Error string `json:"error,omitempty"`
}

// Classify submits one encoded still frame. The service expects a data-URL
// shaped base64 payload, matching what a canvas capture produces.
func (c *Client) Classify(ctx context.Context, image []byte) (domain.Prediction, error) {
	if len(image) == 0 {
		return domain.Prediction{}, errors.New("empty frame")
	}
	body, err := json.Marshal(predictRequest{
		Image: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return domain.Prediction{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/predict", bytes.NewReader(body))
	if err != nil {
		return domain.Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Prediction{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Prediction{}, fmt.Errorf("classifier returned %s", resp.Status)
	}
	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Prediction{}, err
	}
	if out.Error != "" {
		return domain.Prediction{}, fmt.Errorf("classifier error: %s", out.Error)
	}
	return out.Prediction, nil
}

// Health probes the service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier unhealthy: %s", resp.Status)
	}
	return nil
}
