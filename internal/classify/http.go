package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxAnswerBytes = 1 << 20

// HTTPClassifier posts {"text": ...} to an endpoint that answers
// {"categories": [...], "confidence": n}.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClassifier creates an HTTP classifier. apiKey is sent as a bearer
// token when set.
func NewHTTPClassifier(endpoint, apiKey string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type httpRequest struct {
	Text string `json:"text"`
}

// Classify implements External.
func (h *HTTPClassifier) Classify(ctx context.Context, text string) (Answer, error) {
	body, err := json.Marshal(httpRequest{Text: text})
	if err != nil {
		return Answer{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Answer{}, fmt.Errorf("classifier returned %d", resp.StatusCode)
	}

	var ans Answer
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAnswerBytes)).Decode(&ans); err != nil {
		return Answer{}, fmt.Errorf("decode response: %w", err)
	}
	return ans, nil
}
