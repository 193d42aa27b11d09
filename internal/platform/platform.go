// Package platform holds the outward-facing collaborator implementations:
// the compliance validator, metrics provider, and change applier the
// orchestrator drives. Each has an HTTP-backed form for a real deployment and
// a local form for development and tests.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tannerhall/helmsman/internal/model"
	"github.com/tannerhall/helmsman/internal/orchestrator"
)

const defaultRequestTimeout = 15 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultRequestTimeout}
}

// HTTPValidator calls an external compliance service. The service receives
// the proposal as JSON and answers with a ValidationResult.
type HTTPValidator struct {
	URL    string
	Client *http.Client
}

func (v *HTTPValidator) Validate(ctx context.Context, p *model.Proposal) (orchestrator.ValidationResult, error) {
	client := v.Client
	if client == nil {
		client = newHTTPClient()
	}

	body, err := json.Marshal(p)
	if err != nil {
		return orchestrator.ValidationResult{}, fmt.Errorf("marshal proposal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(body))
	if err != nil {
		return orchestrator.ValidationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return orchestrator.ValidationResult{}, fmt.Errorf("validator request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return orchestrator.ValidationResult{}, fmt.Errorf("validator status %d", resp.StatusCode)
	}

	var result orchestrator.ValidationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return orchestrator.ValidationResult{}, fmt.Errorf("decode verdict: %w", err)
	}
	return result, nil
}

// HTTPMetrics queries an external metrics endpoint for a flat name->value
// snapshot, scoped by target service.
type HTTPMetrics struct {
	URL    string
	Client *http.Client
}

func (m *HTTPMetrics) Snapshot(ctx context.Context, scope []string) (map[string]float64, error) {
	client := m.Client
	if client == nil {
		client = newHTTPClient()
	}

	u := m.URL
	if len(scope) > 0 {
		u += "?targets=" + url.QueryEscape(strings.Join(scope, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics status %d", resp.StatusCode)
	}

	var snapshot map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// HTTPApplier performs changes through an external mutation endpoint:
// POST {base}/apply and POST {base}/revert.
type HTTPApplier struct {
	BaseURL string
	Client  *http.Client
}

type applyRequest struct {
	Targets []string       `json:"targets"`
	Changes map[string]any `json:"changes"`
}

type applyResponse struct {
	RollbackPayload map[string]any `json:"rollback_payload"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

func (a *HTTPApplier) Apply(ctx context.Context, targets []string, changes map[string]any) (orchestrator.ApplyResult, error) {
	var resp applyResponse
	err := a.post(ctx, "/apply", applyRequest{Targets: targets, Changes: changes}, &resp)
	if err != nil {
		return orchestrator.ApplyResult{}, err
	}
	return orchestrator.ApplyResult{
		RollbackPayload: resp.RollbackPayload,
		ExecutionTime:   time.Duration(resp.ExecutionTimeMS) * time.Millisecond,
	}, nil
}

func (a *HTTPApplier) Revert(ctx context.Context, payload map[string]any) error {
	return a.post(ctx, "/revert", map[string]any{"rollback_payload": payload}, nil)
}

func (a *HTTPApplier) post(ctx context.Context, path string, in, out any) error {
	client := a.Client
	if client == nil {
		client = newHTTPClient()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("applier request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("applier status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LocalValidator approves every proposal with a fixed score. Development
// stand-in when no compliance service is configured.
type LocalValidator struct {
	Score float64
}

func (v LocalValidator) Validate(_ context.Context, _ *model.Proposal) (orchestrator.ValidationResult, error) {
	score := v.Score
	if score == 0 {
		score = 1.0
	}
	return orchestrator.ValidationResult{IsCompliant: true, ComplianceScore: score}, nil
}

// LocalMetrics serves an empty snapshot so measured improvement is always
// zero. Development stand-in when no metrics endpoint is configured.
type LocalMetrics struct{}

func (LocalMetrics) Snapshot(_ context.Context, _ []string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

// LocalApplier records nothing and reverses nothing. Development stand-in
// when no mutation endpoint is configured.
type LocalApplier struct{}

func (LocalApplier) Apply(_ context.Context, _ []string, changes map[string]any) (orchestrator.ApplyResult, error) {
	return orchestrator.ApplyResult{RollbackPayload: map[string]any{"changes": changes}}, nil
}

func (LocalApplier) Revert(_ context.Context, _ map[string]any) error { return nil }
