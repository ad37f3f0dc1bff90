package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// #region interface

// Classifier turns captured audio into a labeled result. Implementations
// must be safe for sequential reuse across examinations; the controller
// calls each modality at most once per examination.
type Classifier interface {
	Classify(ctx context.Context, audio []byte, modality Modality) (Result, error)
}

// #endregion interface

// #region wire

// inferRequest is the JSON body sent to the inference sidecar.
type inferRequest struct {
	Modality   Modality `json:"modality"`
	SampleRate int      `json:"sample_rate"`
	AudioB64   []byte   `json:"audio_b64"` // encoding/json base64-encodes []byte
}

// inferResponse is the sidecar's reply.
type inferResponse struct {
	OK            bool               `json:"ok"`
	Label         string             `json:"predicted_class"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	Error         string             `json:"error,omitempty"`
}

// #endregion wire

// #region client

// Client calls the inference sidecar over HTTP.
type Client struct {
	baseURL             string
	sampleRate          int
	confidenceThreshold float64
	httpClient          *http.Client
}

// NewClient creates a sidecar client. timeout bounds one full inference call
// including model latency.
func NewClient(baseURL string, sampleRate int, confidenceThreshold float64, timeout time.Duration) *Client {
	return &Client{
		baseURL:             baseURL,
		sampleRate:          sampleRate,
		confidenceThreshold: confidenceThreshold,
		httpClient:          &http.Client{Timeout: timeout},
	}
}

// Classify posts audio to the sidecar and decorates the reply into a Result.
// Transport and sidecar-level failures return a non-nil error alongside a
// failed Result, so callers can choose between propagating and degrading.
func (c *Client) Classify(ctx context.Context, audio []byte, modality Modality) (Result, error) {
	started := time.Now()

	body, err := json.Marshal(inferRequest{
		Modality:   modality,
		SampleRate: c.sampleRate,
		AudioB64:   audio,
	})
	if err != nil {
		return failedResult(modality, err), fmt.Errorf("marshal inference request: %w", err)
	}

	url := c.baseURL + "/infer/" + string(modality)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failedResult(modality, err), fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failedResult(modality, err), fmt.Errorf("call inference sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("inference sidecar returned %s", resp.Status)
		return failedResult(modality, err), err
	}

	var reply inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return failedResult(modality, err), fmt.Errorf("decode inference response: %w", err)
	}
	if !reply.OK {
		err := fmt.Errorf("inference failed: %s", reply.Error)
		return failedResult(modality, err), err
	}

	latency := time.Since(started)
	log.Printf("[CLASSIFY] %s -> %s (%.2f) in %s", modality, reply.Label, reply.Confidence, latency.Round(time.Millisecond))

	return Result{
		Success:        true,
		Modality:       modality,
		Label:          reply.Label,
		Confidence:     reply.Confidence,
		Probabilities:  reply.Probabilities,
		Abnormal:       reply.Label != LabelNormal,
		MeetsThreshold: reply.Confidence >= c.confidenceThreshold,
		Latency:        latency,
	}, nil
}

func failedResult(modality Modality, err error) Result {
	return Result{
		Success:  false,
		Modality: modality,
		Error:    err.Error(),
	}
}

// #endregion client
