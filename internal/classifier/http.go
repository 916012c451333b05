package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aristath/taskrouter/internal/resilience"
)

// HTTPRemote calls a classification service that accepts {"text": ...} and
// answers {"label": ..., "confidence": ...}.
type HTTPRemote struct {
	URL    string
	Client *http.Client
}

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ClassifyRemote implements Remote. Non-2xx answers become
// resilience.StatusError so 5xx and 429 are retried.
func (h *HTTPRemote) ClassifyRemote(ctx context.Context, text string) (string, float64, error) {
	body, err := json.Marshal(remoteRequest{Text: text})
	if err != nil {
		return "", 0, resilience.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return "", 0, resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, &resilience.StatusError{Code: resp.StatusCode, Msg: string(bytes.TrimSpace(msg))}
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, resilience.Permanent(fmt.Errorf("decode classifier response: %w", err))
	}
	return out.Label, out.Confidence, nil
}
