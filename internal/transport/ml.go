package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/decoyverse/agent/internal/watcher"
)

const (
	defaultMLTimeout    = 10 * time.Second
	defaultMLConfidence = 0.7
	defaultMLAttackType = "network_anomaly"
)

// MLClient consults the ML risk scorer. It implements watcher.MLScorer.
type MLClient struct {
	endpoint string
	http     *http.Client
}

// NewMLClient returns a client that POSTs feature maps to endpoint. A
// timeout <= 0 selects 10 seconds.
func NewMLClient(endpoint string, timeout time.Duration) *MLClient {
	if timeout <= 0 {
		timeout = defaultMLTimeout
	}
	return &MLClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type mlResponse struct {
	AttackType *string  `json:"attack_type"`
	RiskScore  *float64 `json:"risk_score"`
	Confidence *float64 `json:"confidence"`
}

// Predict sends f and returns the scorer's opinion. Missing response fields
// take defaults: attack_type "network_anomaly", risk_score the rule score,
// confidence 0.7. Any transport failure or non-200 status is an error.
func (m *MLClient) Predict(ctx context.Context, f watcher.MLFeatures) (watcher.MLPrediction, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return watcher.MLPrediction{}, fmt.Errorf("transport: encode ML features: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(data))
	if err != nil {
		return watcher.MLPrediction{}, fmt.Errorf("transport: build ML request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return watcher.MLPrediction{}, fmt.Errorf("transport: ML predict: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return watcher.MLPrediction{}, &StatusError{Endpoint: "ml_predict", Code: resp.StatusCode}
	}

	var body mlResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return watcher.MLPrediction{}, fmt.Errorf("transport: decode ML response: %w", err)
	}

	pred := watcher.MLPrediction{
		AttackType: defaultMLAttackType,
		RiskScore:  float64(f.RuleScore),
		Confidence: defaultMLConfidence,
	}
	if body.AttackType != nil && *body.AttackType != "" {
		pred.AttackType = *body.AttackType
	}
	if body.RiskScore != nil {
		pred.RiskScore = *body.RiskScore
	}
	if body.Confidence != nil {
		pred.Confidence = *body.Confidence
	}
	return pred, nil
}
