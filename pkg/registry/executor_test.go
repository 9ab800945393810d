package registry

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/indexforge/indexforge/pkg/errors"
)

func testExecutor(runner CommandRunner, attempts int) *Executor {
	exec := NewExecutor(runner, attempts, time.Second, "")
	exec.retryInterval = time.Millisecond
	return exec
}

// failNTimes returns a runner failing with the given error n times
// before succeeding, and a counter of attempts made.
func failNTimes(n int, failure error, output string) (CommandRunner, *int) {
	attempts := new(int)
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		*attempts++
		if *attempts <= n {
			return "", failure
		}
		return output, nil
	}
	return runner, attempts
}

func TestExecutor_TransientFailureRetriedToBudget(t *testing.T) {
	failure := fmt.Errorf("podman failed: connection reset by peer")
	runner, attempts := failNTimes(100, failure, "")
	exec := testExecutor(runner, 3)

	err := exec.Pull(context.Background(), "registry.example.com/ns/bundle:v1")
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if *attempts != 3 {
		t.Errorf("attempts = %d, want 3", *attempts)
	}
	if !strings.Contains(err.Error(), "connection reset by peer") {
		t.Errorf("expected last underlying error in message, got %v", err)
	}
}

func TestExecutor_TransientFailureEventuallySucceeds(t *testing.T) {
	failure := fmt.Errorf("podman failed: received unexpected HTTP status: 503")
	runner, attempts := failNTimes(2, failure, "")
	exec := testExecutor(runner, 5)

	if err := exec.Pull(context.Background(), "registry.example.com/ns/bundle:v1"); err != nil {
		t.Fatalf("expected success after transient failures: %v", err)
	}
	if *attempts != 3 {
		t.Errorf("attempts = %d, want 3", *attempts)
	}
}

func TestExecutor_AuthFailureNotRetried(t *testing.T) {
	failure := fmt.Errorf("podman failed: unauthorized: access to the requested resource is not authorized")
	runner, attempts := failNTimes(100, failure, "")
	exec := testExecutor(runner, 5)

	err := exec.Push(context.Background(), "local/idx:latest", "registry.example.com/ns/idx:v4.9")
	if err == nil {
		t.Fatal("expected auth error")
	}
	if *attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry for auth failures)", *attempts)
	}
	if errors.KindOf(err) == errors.KindTransient {
		t.Error("auth failure must not classify as transient")
	}
}

func TestExecutor_MalformedReferenceNotRetried(t *testing.T) {
	failure := fmt.Errorf("skopeo failed: invalid reference format")
	runner, attempts := failNTimes(100, failure, "")
	exec := testExecutor(runner, 5)

	_, _, err := exec.Inspect(context.Background(), "not a ref")
	if err == nil {
		t.Fatal("expected malformed-reference error")
	}
	if *attempts != 1 {
		t.Errorf("attempts = %d, want 1", *attempts)
	}
}

func TestExecutor_ResolveDigestManifestList(t *testing.T) {
	raw := `{
		"mediaType": "application/vnd.docker.distribution.manifest.list.v2+json",
		"manifests": [
			{"digest": "sha256:aaa111", "platform": {"architecture": "amd64"}},
			{"digest": "sha256:bbb222", "platform": {"architecture": "arm64"}}
		]
	}`
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		return raw, nil
	}
	exec := testExecutor(runner, 2)

	resolved, err := exec.ResolveDigest(context.Background(), "registry.example.com/ns/bundle:v1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := "registry.example.com/ns/bundle@sha256:aaa111"
	if resolved != want {
		t.Errorf("resolved = %s, want %s", resolved, want)
	}
}

func TestExecutor_ResolveDigestV2Manifest(t *testing.T) {
	raw := `{"mediaType": "application/vnd.docker.distribution.manifest.v2+json", "schemaVersion": 2}`
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		return raw, nil
	}
	exec := testExecutor(runner, 2)

	resolved, err := exec.ResolveDigest(context.Background(), "registry.example.com/ns/bundle:v1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(resolved, "registry.example.com/ns/bundle@sha256:") {
		t.Errorf("resolved = %s, want digest pull spec", resolved)
	}
	// Digest must be deterministic for identical manifest content.
	again, _ := exec.ResolveDigest(context.Background(), "registry.example.com/ns/bundle:v1")
	if resolved != again {
		t.Errorf("digest not deterministic: %s != %s", resolved, again)
	}
}

func TestExecutor_ResolveDigestRejectsUnknownMediaType(t *testing.T) {
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		return `{"mediaType": "application/vnd.oci.something.else"}`, nil
	}
	exec := testExecutor(runner, 2)

	if _, err := exec.ResolveDigest(context.Background(), "registry.example.com/ns/bundle:v1"); err == nil {
		t.Error("expected error for unsupported media type")
	}
}

func TestExecutor_ImageLabels(t *testing.T) {
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		return `{"config": {"Labels": {"operators.operatorframework.io.bundle.package.v1": "etcd-operator", "version": "v1.2"}}}`, nil
	}
	exec := testExecutor(runner, 2)

	labels, err := exec.ImageLabels(context.Background(), "registry.example.com/ns/bundle:v1")
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if labels["operators.operatorframework.io.bundle.package.v1"] != "etcd-operator" {
		t.Errorf("unexpected labels: %v", labels)
	}

	label, err := exec.ImageLabel(context.Background(), "registry.example.com/ns/bundle:v1", "version")
	if err != nil || label != "v1.2" {
		t.Errorf("ImageLabel = %q, %v; want v1.2", label, err)
	}
}

func TestExecutor_AuthFileIsPassedReadOnly(t *testing.T) {
	var captured []string
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		captured = append([]string{name}, args...)
		return "", nil
	}
	exec := NewExecutor(runner, 1, time.Second, "/etc/indexforge/auth.json")

	if err := exec.Pull(context.Background(), "registry.example.com/ns/bundle:v1"); err != nil {
		t.Fatalf("pull: %v", err)
	}
	joined := strings.Join(captured, " ")
	if !strings.Contains(joined, "--authfile /etc/indexforge/auth.json") {
		t.Errorf("expected --authfile flag, got %v", captured)
	}
}

func TestImageName(t *testing.T) {
	tests := []struct {
		pullSpec string
		want     string
	}{
		{"registry.example.com/ns/bundle:v1", "registry.example.com/ns/bundle"},
		{"registry.example.com/ns/bundle@sha256:abc", "registry.example.com/ns/bundle"},
		{"registry.example.com:5000/ns/bundle", "registry.example.com:5000/ns/bundle"},
		{"registry.example.com:5000/ns/bundle:v2", "registry.example.com:5000/ns/bundle"},
	}
	for _, tt := range tests {
		if got := imageName(tt.pullSpec); got != tt.want {
			t.Errorf("imageName(%s) = %s, want %s", tt.pullSpec, got, tt.want)
		}
	}
}
