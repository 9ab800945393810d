package build

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload carries the type-specific parameters of a build request. It
// is stored as JSON alongside the request row; Validate enforces the
// structural rules for the request type before anything is persisted.
type Payload struct {
	// Bundle references to add (add-bundle) or regenerate.
	Bundles []string `json:"bundles,omitempty"`

	// Operator package names to remove (remove-operator).
	Operators []string `json:"operators,omitempty"`

	// Single bundle image (regenerate-bundle, recursive-related-bundles).
	BundleImage string `json:"bundle_image,omitempty"`

	// Index references.
	FromIndex       string `json:"from_index,omitempty"`
	SourceFromIndex string `json:"source_from_index,omitempty"`
	TargetIndex     string `json:"target_index,omitempty"`

	// Where the built index is pushed. Tag defaults to the request id.
	OutputRegistry string `json:"output_registry,omitempty"`
	Tag            string `json:"tag,omitempty"`

	// Overrides resolved during prepare when empty.
	BinaryImage       string `json:"binary_image,omitempty"`
	DistributionScope string `json:"distribution_scope,omitempty"`

	// Bundles excluded when merging indexes (merge-index).
	DeprecationList []string `json:"deprecation_list,omitempty"`

	// Organization whose customization pipeline applies (regenerate-bundle).
	Organization string `json:"organization,omitempty"`
}

// EncodePayload serializes a payload for storage on the request row.
func EncodePayload(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(raw), nil
}

// DecodePayload deserializes a stored payload.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// ValidatePayload checks the structural rules for a request type.
// Anything beyond structure (reachability of images, label contents)
// is deferred to the prepare state so it lands in the request history.
func ValidatePayload(reqType string, p Payload) error {
	switch reqType {
	case TypeAddBundle:
		if len(p.Bundles) == 0 {
			return fmt.Errorf("%s requires at least one bundle", reqType)
		}
		if err := requireRefs(p.Bundles, "bundle"); err != nil {
			return err
		}
		if p.FromIndex == "" && p.BinaryImage == "" {
			return fmt.Errorf("%s requires from_index or an explicit binary_image", reqType)
		}
	case TypeRemoveOperator:
		if len(p.Operators) == 0 {
			return fmt.Errorf("%s requires at least one operator", reqType)
		}
		if p.FromIndex == "" {
			return fmt.Errorf("%s requires from_index", reqType)
		}
	case TypeRegenerateBundle:
		if p.BundleImage == "" {
			return fmt.Errorf("%s requires bundle_image", reqType)
		}
	case TypeRegenerateIndex:
		if p.FromIndex == "" {
			return fmt.Errorf("%s requires from_index", reqType)
		}
	case TypeMergeIndex:
		if p.SourceFromIndex == "" || p.TargetIndex == "" {
			return fmt.Errorf("%s requires source_from_index and target_index", reqType)
		}
	case TypeCreateEmptyIndex:
		if p.FromIndex == "" {
			return fmt.Errorf("%s requires from_index", reqType)
		}
		if len(p.Bundles) != 0 || len(p.Operators) != 0 {
			return fmt.Errorf("%s accepts no bundles or operators", reqType)
		}
	case TypeRecursiveRelatedBundles:
		if p.BundleImage == "" {
			return fmt.Errorf("%s requires bundle_image", reqType)
		}
	default:
		return fmt.Errorf("unknown request type %q", reqType)
	}

	if reqType != TypeRecursiveRelatedBundles && p.OutputRegistry == "" {
		return fmt.Errorf("%s requires output_registry", reqType)
	}
	if p.DistributionScope != "" {
		if _, ok := scopeRank[strings.ToLower(p.DistributionScope)]; !ok {
			return fmt.Errorf("invalid distribution scope %q", p.DistributionScope)
		}
	}
	return nil
}

func requireRefs(refs []string, what string) error {
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("empty %s reference", what)
		}
	}
	return nil
}

// scopeRank orders distribution scopes from narrowest to widest. A
// request may narrow the scope inherited from the index but never
// widen it.
var scopeRank = map[string]int{
	"dev":   0,
	"stage": 1,
	"prod":  2,
}

// resolveScope applies the narrowing rule: the effective scope is the
// requested one when it does not exceed the index's, otherwise the
// index's own scope wins.
func resolveScope(requested, index string) string {
	if index == "" {
		index = defaultDistributionScope
	}
	index = strings.ToLower(index)
	if requested == "" {
		return index
	}
	requested = strings.ToLower(requested)
	if scopeRank[requested] > scopeRank[index] {
		return index
	}
	return requested
}
