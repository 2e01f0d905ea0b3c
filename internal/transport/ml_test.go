package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decoyverse/agent/internal/transport"
	"github.com/decoyverse/agent/internal/watcher"
)

func mlServer(t *testing.T, status int, body string, got *watcher.MLFeatures) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/predict"
}

func TestPredict_DecodesResponse(t *testing.T) {
	var got watcher.MLFeatures
	url := mlServer(t, http.StatusOK, `{"attack_type":"c2","risk_score":8,"confidence":0.93}`, &got)

	pred, err := transport.NewMLClient(url, time.Second).Predict(context.Background(),
		watcher.MLFeatures{DestPort: 4444, IsHighRiskPort: 1, RuleScore: 9, RequestRate: 3})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.AttackType != "c2" || pred.RiskScore != 8 || pred.Confidence != 0.93 {
		t.Errorf("pred = %+v", pred)
	}
	if got.DestPort != 4444 || got.IsHighRiskPort != 1 || got.RuleScore != 9 || got.RequestRate != 3 {
		t.Errorf("features sent = %+v", got)
	}
}

func TestPredict_MissingFieldsTakeDefaults(t *testing.T) {
	url := mlServer(t, http.StatusOK, `{}`, nil)

	pred, err := transport.NewMLClient(url, time.Second).Predict(context.Background(), watcher.MLFeatures{RuleScore: 7})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.AttackType != "network_anomaly" || pred.RiskScore != 7 || pred.Confidence != 0.7 {
		t.Errorf("pred = %+v", pred)
	}
}

func TestPredict_NonOKIsError(t *testing.T) {
	url := mlServer(t, http.StatusUnprocessableEntity, `{"detail":"bad"}`, nil)

	_, err := transport.NewMLClient(url, time.Second).Predict(context.Background(), watcher.MLFeatures{})
	if !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestPredict_TimeoutIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	start := time.Now()
	_, err := transport.NewMLClient(srv.URL, 50*time.Millisecond).Predict(context.Background(), watcher.MLFeatures{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Predict took %v, want it bounded by the client timeout", elapsed)
	}
}

func TestPredict_MalformedBody(t *testing.T) {
	url := mlServer(t, http.StatusOK, `not json`, nil)
	if _, err := transport.NewMLClient(url, time.Second).Predict(context.Background(), watcher.MLFeatures{}); err == nil {
		t.Fatal("expected decode error")
	}
}

// MLClient must satisfy the watcher's scorer interface.
var _ watcher.MLScorer = (*transport.MLClient)(nil)
