// Package bundle implements the ordered customization pipeline applied
// to an operator bundle's manifest set during regeneration: reference
// pinning followed by the organization's configured directives.
package bundle

import (
	"fmt"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/indexforge/indexforge/pkg/errors"
)

const (
	kindCSV = "ClusterServiceVersion"

	// PackageLabel carries the operator package name on bundle images.
	PackageLabel = "operators.operatorframework.io.bundle.package.v1"

	// PinnedLabel marks a bundle whose references were already pinned.
	PinnedLabel      = "com.indexforge.pinned"
	PinnedLabelValue = "true"
)

// ManifestSet is a bundle's parsed manifest documents plus the metadata
// the pipeline computes along the way.
type ManifestSet struct {
	Docs []map[string]any

	// PackageName is the operator's package name, taken from the bundle
	// annotations document on parse.
	PackageName string

	// Labels to stamp on the regenerated bundle image.
	Labels map[string]string

	// TargetImageName is set by the image_name_from_labels directive.
	TargetImageName string
}

// Parse builds a ManifestSet from raw YAML documents.
func Parse(raw [][]byte) (*ManifestSet, error) {
	set := &ManifestSet{Labels: map[string]string{}}
	for i, data := range raw {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Fatal(errors.Wrap(err, fmt.Sprintf("failed to parse manifest %d", i)))
		}
		if doc == nil {
			continue
		}
		set.Docs = append(set.Docs, doc)
	}

	for _, doc := range set.Docs {
		if annotations, ok := doc["annotations"].(map[string]any); ok {
			if name, ok := annotations[PackageLabel].(string); ok {
				set.PackageName = name
			}
		}
	}
	return set, nil
}

// Render serializes the manifest set back to YAML documents.
func (s *ManifestSet) Render() ([][]byte, error) {
	out := make([][]byte, 0, len(s.Docs))
	for i, doc := range s.Docs {
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to render manifest %d", i))
		}
		out = append(out, data)
	}
	return out, nil
}

// CSVs returns the ClusterServiceVersion documents.
func (s *ManifestSet) CSVs() []map[string]any {
	var csvs []map[string]any
	for _, doc := range s.Docs {
		if doc["kind"] == kindCSV {
			csvs = append(csvs, doc)
		}
	}
	return csvs
}

// RelatedImages returns every pull specification referenced by the
// set's ClusterServiceVersion manifests, deduplicated.
func (s *ManifestSet) RelatedImages() []string {
	seen := map[string]bool{}
	var images []string
	for _, csv := range s.CSVs() {
		for _, image := range collectImages(csv) {
			if !seen[image] {
				seen[image] = true
				images = append(images, image)
			}
		}
	}
	return images
}

// annotationsDoc returns the bundle annotations document, if present.
func (s *ManifestSet) annotationsDoc() map[string]any {
	for _, doc := range s.Docs {
		if _, ok := doc["kind"]; ok {
			continue
		}
		if annotations, ok := doc["annotations"].(map[string]any); ok {
			return annotations
		}
	}
	return nil
}

// metadataAnnotations returns doc.metadata.annotations, creating the
// maps when absent.
func metadataAnnotations(doc map[string]any) map[string]any {
	metadata, ok := doc["metadata"].(map[string]any)
	if !ok {
		metadata = map[string]any{}
		doc["metadata"] = metadata
	}
	annotations, ok := metadata["annotations"].(map[string]any)
	if !ok {
		annotations = map[string]any{}
		metadata["annotations"] = annotations
	}
	return annotations
}

// rewriteImages applies fn to every container-image pull specification
// in the document: any string value under an "image" or
// "containerImage" key, at any depth.
func rewriteImages(node any, fn func(string) string) {
	switch v := node.(type) {
	case map[string]any:
		for key, value := range v {
			if key == "image" || key == "containerImage" {
				if s, ok := value.(string); ok {
					v[key] = fn(s)
					continue
				}
			}
			rewriteImages(value, fn)
		}
	case []any:
		for _, item := range v {
			rewriteImages(item, fn)
		}
	}
}

// collectImages gathers every pull specification rewriteImages would
// visit, in no particular order.
func collectImages(node any) []string {
	seen := map[string]bool{}
	var images []string
	rewriteImages(node, func(s string) string {
		if !seen[s] {
			seen[s] = true
			images = append(images, s)
		}
		return s
	})
	return images
}

// registryOf returns the registry host portion of a pull specification.
// The first path segment is a host only when it looks like one: it
// contains a dot or a port, or is localhost. A hostless specification
// such as coreos/etcd:v1 has a namespace there, not a registry.
func registryOf(pullSpec string) string {
	i := strings.Index(pullSpec, "/")
	if i < 0 {
		return ""
	}
	host := pullSpec[:i]
	if host != "localhost" && !strings.ContainsAny(host, ".:") {
		return ""
	}
	return host
}

// splitReference splits a pull specification into repository and the
// trailing tag or digest reference (including its separator).
func splitReference(pullSpec string) (repo, ref string) {
	if i := strings.Index(pullSpec, "@"); i >= 0 {
		return pullSpec[:i], pullSpec[i:]
	}
	if i := strings.LastIndex(pullSpec, ":"); i >= 0 && !strings.Contains(pullSpec[i:], "/") {
		return pullSpec[:i], pullSpec[i:]
	}
	return pullSpec, ""
}
