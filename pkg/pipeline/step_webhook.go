package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"skeenode/pkg/resilience"
)

type WebhookStepConfig struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            interface{}       `json:"body,omitempty"`
	Auth            string            `json:"auth,omitempty"` // none | basic | bearer | api_key
	AuthCredentials map[string]string `json:"authCredentials,omitempty"`
	ValidateStatus  []int             `json:"validateStatus,omitempty"`
	OutputVariable  string            `json:"outputVariable,omitempty"`
	ExtractFields   map[string]string `json:"extractFields,omitempty"`
	TimeoutMs       int64             `json:"timeoutMs,omitempty"`
}

var httpClient = &http.Client{}

// webhookBreakers holds one circuit breaker per destination host, so a
// flapping collaborator trips only the steps that call it.
var webhookBreakers sync.Map

func breakerForHost(rawURL string) *resilience.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	if cb, ok := webhookBreakers.Load(host); ok {
		return cb.(*resilience.CircuitBreaker)
	}
	cb, _ := webhookBreakers.LoadOrStore(host, resilience.NewCircuitBreaker(host, resilience.DefaultCircuitBreakerConfig()))
	return cb.(*resilience.CircuitBreaker)
}

// executeWebhook issues cfg.Method against cfg.URL with full ${context.*}
// substitution across URL, headers, body and auth credentials.
func executeWebhook(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg WebhookStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}
	snapshot := rs.contextSnapshot()

	method := cfg.Method
	if method == "" {
		method = "GET"
	}
	url := Substitute(cfg.URL, snapshot)

	var bodyReader io.Reader
	contentType := ""
	if cfg.Body != nil {
		substituted := SubstituteDeep(cfg.Body, snapshot)
		payload, err := json.Marshal(substituted)
		if err != nil {
			return nil, fmt.Errorf("pipeline: webhook body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	timeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("pipeline: webhook request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, Substitute(v, snapshot))
	}
	applyWebhookAuth(req, cfg, snapshot)

	var resp *http.Response
	cb := breakerForHost(url)
	cbErr := cb.Execute(reqCtx, func() error {
		var doErr error
		resp, doErr = httpClient.Do(req)
		return doErr
	})
	if cbErr != nil {
		return nil, fmt.Errorf("pipeline: webhook call failed: %w", cbErr)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var parsedBody interface{}
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsedBody) != nil {
		parsedBody = string(respBody)
	}

	headers := map[string]interface{}{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    parsedBody,
	}
	if cfg.OutputVariable != "" {
		rs.setContext(cfg.OutputVariable, result)
	}
	for name, query := range cfg.ExtractFields {
		if m, ok := parsedBody.(map[string]interface{}); ok {
			if v, ok := lookupPath(m, query); ok {
				rs.setContext(name, v)
			}
		}
	}

	if !validStatus(resp.StatusCode, cfg.ValidateStatus) {
		return result, fmt.Errorf("pipeline: webhook returned unexpected status %d", resp.StatusCode)
	}
	return result, nil
}

func validStatus(status int, allowed []int) bool {
	if len(allowed) == 0 {
		return status >= 200 && status <= 204
	}
	for _, a := range allowed {
		if a == status {
			return true
		}
	}
	return false
}

func applyWebhookAuth(req *http.Request, cfg WebhookStepConfig, snapshot map[string]interface{}) {
	switch cfg.Auth {
	case "basic":
		req.SetBasicAuth(Substitute(cfg.AuthCredentials["username"], snapshot), Substitute(cfg.AuthCredentials["password"], snapshot))
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+Substitute(cfg.AuthCredentials["token"], snapshot))
	case "api_key":
		header := cfg.AuthCredentials["header"]
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, Substitute(cfg.AuthCredentials["key"], snapshot))
	}
}
