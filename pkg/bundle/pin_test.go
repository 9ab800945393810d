package bundle

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

// staticResolver maps tag references to fixed digest forms.
type staticResolver struct {
	digests map[string]string
	calls   int
}

func (r *staticResolver) ResolveDigest(ctx context.Context, pullSpec string) (string, error) {
	r.calls++
	if d, ok := r.digests[pullSpec]; ok {
		return d, nil
	}
	return "", fmt.Errorf("unknown pull spec %s", pullSpec)
}

func etcdResolver() *staticResolver {
	return &staticResolver{digests: map[string]string{
		"quay.io/coreos/etcd-operator:v0.9.4": "quay.io/coreos/etcd-operator@sha256:aaa111",
	}}
}

func TestPin_ReplacesTagsAndPopulatesRelatedImages(t *testing.T) {
	set := parseTestBundle(t, testCSV, testAnnotations)
	resolver := etcdResolver()

	if err := Pin(context.Background(), set, resolver); err != nil {
		t.Fatalf("pin: %v", err)
	}

	csv := set.CSVs()[0]
	images := collectImages(csv)
	for _, image := range images {
		if !strings.Contains(image, "@sha256:") {
			t.Errorf("unpinned reference remains: %s", image)
		}
	}

	spec := csv["spec"].(map[string]any)
	related, ok := spec["relatedImages"].([]any)
	if !ok || len(related) == 0 {
		t.Fatal("relatedImages not populated")
	}
	entry := related[0].(map[string]any)
	if entry["image"] != "quay.io/coreos/etcd-operator@sha256:aaa111" {
		t.Errorf("related image = %v", entry["image"])
	}
	if entry["name"] != "etcd-operator" {
		t.Errorf("related name = %v", entry["name"])
	}

	if set.Labels[PinnedLabel] != PinnedLabelValue {
		t.Error("pinned label not stamped")
	}
}

func TestPin_Idempotent(t *testing.T) {
	set := parseTestBundle(t, testCSV, testAnnotations)
	resolver := etcdResolver()

	if err := Pin(context.Background(), set, resolver); err != nil {
		t.Fatalf("first pin: %v", err)
	}
	once := deepCopyDocs(t, set)
	callsAfterFirst := resolver.calls

	if err := Pin(context.Background(), set, resolver); err != nil {
		t.Fatalf("second pin: %v", err)
	}

	if !reflect.DeepEqual(once, set.Docs) {
		t.Error("second pin changed the manifest set")
	}
	if resolver.calls != callsAfterFirst {
		t.Errorf("second pin resolved digests again (%d calls)", resolver.calls-callsAfterFirst)
	}
}

func TestPin_SkippedWhenRelatedImagesDeclared(t *testing.T) {
	set := parseTestBundle(t, testCSV, testAnnotations)
	spec := set.CSVs()[0]["spec"].(map[string]any)
	spec["relatedImages"] = []any{
		map[string]any{"name": "etcd-operator", "image": "quay.io/coreos/etcd-operator@sha256:declared"},
	}

	resolver := etcdResolver()
	if err := Pin(context.Background(), set, resolver); err != nil {
		t.Fatalf("pin: %v", err)
	}

	if resolver.calls != 0 {
		t.Errorf("pin resolved %d digests despite declared relatedImages", resolver.calls)
	}
	// The tag reference stays as-is; only the pin sub-step is skipped.
	if got := firstImage(t, set); got != "quay.io/coreos/etcd-operator:v0.9.4" &&
		!strings.Contains(got, "declared") {
		t.Errorf("unexpected image mutation: %s", got)
	}
}

func TestPin_ShortCircuitsOnPinnedLabel(t *testing.T) {
	set := parseTestBundle(t, testCSV, testAnnotations)
	set.Labels[PinnedLabel] = PinnedLabelValue

	resolver := etcdResolver()
	if err := Pin(context.Background(), set, resolver); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if resolver.calls != 0 {
		t.Errorf("pin ran despite pinned label, %d resolver calls", resolver.calls)
	}
}

func TestPin_SkipNeverSkipsCustomizations(t *testing.T) {
	set := parseTestBundle(t, testCSV, testAnnotations)
	spec := set.CSVs()[0]["spec"].(map[string]any)
	spec["relatedImages"] = []any{
		map[string]any{"name": "etcd-operator", "image": "quay.io/coreos/etcd-operator@sha256:declared"},
	}

	p := NewPipeline(etcdResolver(), []Directive{PackageNameSuffix{Suffix: "-cmp"}})
	if err := p.Run(context.Background(), set); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if set.PackageName != "etcd-cmp" {
		t.Errorf("customizations skipped along with pin: package = %q", set.PackageName)
	}
}

func TestPin_ResolveFailureIsFatal(t *testing.T) {
	set := parseTestBundle(t, testCSV, testAnnotations)
	resolver := &staticResolver{digests: map[string]string{}}

	if err := Pin(context.Background(), set, resolver); err == nil {
		t.Fatal("expected pin failure when digest resolution fails")
	}
}

func deepCopyDocs(t *testing.T, set *ManifestSet) []map[string]any {
	t.Helper()
	raw, err := set.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	copied, err := Parse(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	return copied.Docs
}
