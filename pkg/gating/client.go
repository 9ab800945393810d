// Package gating calls an external policy-evaluation service to decide
// whether a bundle may proceed. A policy denial and an unreachable
// service are both fatal to the owning request; gating always runs
// before any registry mutation.
package gating

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/indexforge/indexforge/pkg/errors"
)

// Decision is the policy service's answer for one bundle.
type Decision struct {
	Satisfied   bool
	Diagnostics string
}

// Client evaluates gating policies over HTTP.
type Client struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a gating client for the configured decision endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type decisionRequest struct {
	Subject      string   `json:"subject_identifier"`
	PolicyParams []string `json:"policy_params,omitempty"`
}

type decisionResponse struct {
	PoliciesSatisfied       bool     `json:"policies_satisfied"`
	UnsatisfiedRequirements []string `json:"unsatisfied_requirements"`
}

// Evaluate asks the policy service whether bundleRef may proceed under
// the lane's policy parameters. Service-unreachable is a fatal error,
// never silently treated as a pass.
func (c *Client) Evaluate(ctx context.Context, bundleRef string, policyParams []string) (*Decision, error) {
	slog.Info("gating_evaluate", "bundle", bundleRef)

	body, err := json.Marshal(decisionRequest{Subject: bundleRef, PolicyParams: policyParams})
	if err != nil {
		return nil, errors.Fatal(errors.Wrap(err, "failed to encode gating request"))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Fatal(errors.Wrap(err, "failed to build gating request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Error("gating_unreachable", "url", c.url, "error", err)
		return nil, errors.Fatal(errors.Wrap(err, "gating service is unreachable"))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Fatal(errors.Wrap(err, "failed to read gating response"))
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("gating_bad_status", "url", c.url, "status", resp.StatusCode)
		return nil, errors.Fatalf("gating service returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decision decisionResponse
	if err := json.Unmarshal(payload, &decision); err != nil {
		return nil, errors.Fatal(errors.Wrap(err, "failed to decode gating response"))
	}

	d := &Decision{
		Satisfied:   decision.PoliciesSatisfied,
		Diagnostics: strings.Join(decision.UnsatisfiedRequirements, "; "),
	}
	if !d.Satisfied {
		slog.Info("gating_denied", "bundle", bundleRef, "diagnostics", d.Diagnostics)
	}
	return d, nil
}

// Require evaluates and converts a denial into a fatal error carrying
// the diagnostic text.
func (c *Client) Require(ctx context.Context, bundleRef string, policyParams []string) error {
	decision, err := c.Evaluate(ctx, bundleRef, policyParams)
	if err != nil {
		return err
	}
	if !decision.Satisfied {
		msg := fmt.Sprintf("bundle %s was denied by the gating policy", bundleRef)
		if decision.Diagnostics != "" {
			msg = fmt.Sprintf("%s: %s", msg, decision.Diagnostics)
		}
		return errors.Fatalf("%s", msg)
	}
	return nil
}
