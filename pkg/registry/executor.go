// Package registry wraps container-registry tool invocations (pull,
// push, inspect, tag) with bounded retry. Only transient failures are
// retried; authentication and malformed-reference errors surface
// immediately.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/indexforge/indexforge/pkg/errors"
)

// Media types for v2 image manifests.
const (
	mediaTypeManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeManifest     = "application/vnd.docker.distribution.manifest.v2+json"
)

// CommandRunner executes an external command and returns its stdout.
// Injectable so tests can substitute failing or recording runners.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// ExecRunner runs commands through os/exec, returning stderr content in
// the error when the command fails.
func ExecRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %s: %w", name, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// Executor performs registry operations with bounded retry.
type Executor struct {
	runner        CommandRunner
	attempts      int
	timeout       time.Duration
	authFile      string
	retryInterval time.Duration
}

// NewExecutor creates an executor. attempts is the total attempt budget
// per operation; timeout bounds each individual attempt.
func NewExecutor(runner CommandRunner, attempts int, timeout time.Duration, authFile string) *Executor {
	if runner == nil {
		runner = ExecRunner
	}
	return &Executor{
		runner:        runner,
		attempts:      attempts,
		timeout:       timeout,
		authFile:      authFile,
		retryInterval: 2 * time.Second,
	}
}

// classify maps tool output to the retry taxonomy. Auth, not-found and
// malformed-reference failures are permanent; everything else is
// assumed transient (network, rate limiting, 5xx).
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication required") ||
		strings.Contains(msg, "invalid username/password"):
		return errors.Auth(err)
	case strings.Contains(msg, "manifest unknown") ||
		strings.Contains(msg, "name unknown") ||
		strings.Contains(msg, "not found"):
		return errors.NotFound(err)
	case strings.Contains(msg, "invalid reference format") ||
		strings.Contains(msg, "invalid image name"):
		return errors.Malformed(err)
	default:
		return errors.Transient(err)
	}
}

// run executes one command with per-attempt timeout and retries
// transient failures up to the attempt budget. The same command and
// arguments are used on every attempt.
func (e *Executor) run(ctx context.Context, name string, args ...string) (string, error) {
	var output string
	attempt := 0

	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		out, err := e.runner(attemptCtx, name, args...)
		if err == nil {
			output = out
			return nil
		}

		classified := classify(err)
		if errors.IsTransient(classified) {
			slog.Warn("registry_retry",
				"command", name, "attempt", attempt, "max_attempts", e.attempts, "error", err)
			return classified
		}
		slog.Error("registry_permanent_failure",
			"command", name, "kind", errors.KindOf(classified).String(), "error", err)
		return backoff.Permanent(classified)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retryInterval), uint64(e.attempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", errors.Wrap(err, fmt.Sprintf("%s exhausted %d attempts", name, attempt))
	}
	return output, nil
}

func (e *Executor) authArgs() []string {
	if e.authFile == "" {
		return nil
	}
	// The credential artifact is supplied externally and only ever read.
	return []string{"--authfile", e.authFile}
}

// Pull pulls the image into local storage.
func (e *Executor) Pull(ctx context.Context, pullSpec string) error {
	slog.Info("registry_pull", "pull_spec", pullSpec)
	args := append([]string{"pull"}, e.authArgs()...)
	args = append(args, pullSpec)
	_, err := e.run(ctx, "podman", args...)
	return errors.Wrap(err, fmt.Sprintf("failed to pull %s", pullSpec))
}

// Push pushes a local image to the registry.
func (e *Executor) Push(ctx context.Context, localRef, pullSpec string) error {
	slog.Info("registry_push", "local_ref", localRef, "pull_spec", pullSpec)
	args := append([]string{"push"}, e.authArgs()...)
	args = append(args, localRef, pullSpec)
	_, err := e.run(ctx, "podman", args...)
	return errors.Wrap(err, fmt.Sprintf("failed to push %s", pullSpec))
}

// Tag applies an additional tag to a local image.
func (e *Executor) Tag(ctx context.Context, sourceRef, targetRef string) error {
	slog.Info("registry_tag", "source", sourceRef, "target", targetRef)
	_, err := e.run(ctx, "podman", "tag", sourceRef, targetRef)
	return errors.Wrap(err, fmt.Sprintf("failed to tag %s as %s", sourceRef, targetRef))
}

// Inspect returns the raw manifest of the image as parsed JSON.
func (e *Executor) Inspect(ctx context.Context, pullSpec string, extraArgs ...string) (map[string]any, string, error) {
	args := append([]string{"inspect"}, e.authArgs()...)
	args = append(args, extraArgs...)
	args = append(args, dockerTransport(pullSpec))

	out, err := e.run(ctx, "skopeo", args...)
	if err != nil {
		return nil, "", errors.Wrap(err,
			fmt.Sprintf("failed to inspect %s, make sure it exists and is accessible", pullSpec))
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, "", errors.Fatal(errors.Wrap(err, fmt.Sprintf("failed to parse inspect output for %s", pullSpec)))
	}
	return parsed, out, nil
}

// ResolveDigest resolves a pull specification to its immutable digest
// form. Manifest lists resolve to the digest of their first entry; a
// v2s2 manifest resolves to the sha256 of its raw content.
func (e *Executor) ResolveDigest(ctx context.Context, pullSpec string) (string, error) {
	slog.Debug("registry_resolve", "pull_spec", pullSpec)

	parsed, raw, err := e.Inspect(ctx, pullSpec, "--raw")
	if err != nil {
		return "", err
	}

	name := imageName(pullSpec)
	switch parsed["mediaType"] {
	case mediaTypeManifestList:
		manifests, ok := parsed["manifests"].([]any)
		if !ok || len(manifests) == 0 {
			return "", errors.Fatalf("manifest list for %s has no manifests", pullSpec)
		}
		first, ok := manifests[0].(map[string]any)
		if !ok {
			return "", errors.Fatalf("manifest list entry for %s is malformed", pullSpec)
		}
		digest, _ := first["digest"].(string)
		if digest == "" {
			return "", errors.Fatalf("manifest list entry for %s has no digest", pullSpec)
		}
		return fmt.Sprintf("%s@%s", name, digest), nil
	case mediaTypeManifest:
		sum := sha256.Sum256([]byte(raw))
		return fmt.Sprintf("%s@sha256:%s", name, hex.EncodeToString(sum[:])), nil
	default:
		return "", errors.Fatalf(
			"the pull specification of %s is neither a v2 manifest list nor a v2s2 manifest", pullSpec)
	}
}

// ImageLabels returns the labels set on the image config.
func (e *Executor) ImageLabels(ctx context.Context, pullSpec string) (map[string]string, error) {
	parsed, _, err := e.Inspect(ctx, pullSpec, "--config")
	if err != nil {
		return nil, err
	}

	labels := map[string]string{}
	config, _ := parsed["config"].(map[string]any)
	raw, _ := config["Labels"].(map[string]any)
	for k, v := range raw {
		if s, ok := v.(string); ok {
			labels[k] = s
		}
	}
	return labels, nil
}

// ImageLabel returns a single label value, or empty when unset.
func (e *Executor) ImageLabel(ctx context.Context, pullSpec, label string) (string, error) {
	labels, err := e.ImageLabels(ctx, pullSpec)
	if err != nil {
		return "", err
	}
	return labels[label], nil
}

// ImageArches returns the architectures the image was built for.
func (e *Executor) ImageArches(ctx context.Context, pullSpec string) ([]string, error) {
	parsed, _, err := e.Inspect(ctx, pullSpec, "--raw")
	if err != nil {
		return nil, err
	}

	switch parsed["mediaType"] {
	case mediaTypeManifestList:
		var arches []string
		manifests, _ := parsed["manifests"].([]any)
		for _, m := range manifests {
			entry, ok := m.(map[string]any)
			if !ok {
				continue
			}
			platform, _ := entry["platform"].(map[string]any)
			if arch, ok := platform["architecture"].(string); ok {
				arches = append(arches, arch)
			}
		}
		return arches, nil
	case mediaTypeManifest:
		config, _, err := e.Inspect(ctx, pullSpec, "--config")
		if err != nil {
			return nil, err
		}
		arch, _ := config["architecture"].(string)
		return []string{arch}, nil
	default:
		return nil, errors.Fatalf(
			"the pull specification of %s is neither a v2 manifest list nor a v2 manifest", pullSpec)
	}
}

// imageName strips the tag or digest from a pull specification.
func imageName(pullSpec string) string {
	if i := strings.Index(pullSpec, "@"); i >= 0 {
		return pullSpec[:i]
	}
	if i := strings.LastIndex(pullSpec, ":"); i >= 0 && !strings.Contains(pullSpec[i:], "/") {
		return pullSpec[:i]
	}
	return pullSpec
}

func dockerTransport(pullSpec string) string {
	if strings.HasPrefix(pullSpec, "docker://") {
		return pullSpec
	}
	return "docker://" + pullSpec
}
