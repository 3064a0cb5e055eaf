// Package profile implements the versioned JSON profile store (C7, spec
// §4.7): RFC-7396 JSON Merge Patch semantics, contiguous versioning, and the
// identity invariant that blocks impersonating a known family member.
package profile

import (
	"reflect"

	"github.com/gunning4it/epitome/internal/apperr"
)

const (
	maxPatchBytes = 1 << 20 // 1 MB, spec §8
	maxPatchDepth = 10
)

// MergePatch applies an RFC-7396 JSON Merge Patch to doc and returns the
// result plus the dotted paths that changed (spec §4.7, §8): merge(x, {})=x;
// null removes a key; arrays replace wholesale; objects merge recursively.
func MergePatch(doc map[string]any, patch map[string]any) (map[string]any, []string, error) {
	if err := checkDepth(patch, 0); err != nil {
		return nil, nil, err
	}
	result := deepCopyObject(doc)
	var changed []string
	mergeInto(result, patch, "", &changed)
	return result, changed, nil
}

func checkDepth(v any, depth int) error {
	if depth > maxPatchDepth {
		return apperr.New(apperr.Validation, "profile: patch exceeds max nesting depth")
	}
	if obj, ok := v.(map[string]any); ok {
		for _, val := range obj {
			if err := checkDepth(val, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func deepCopyObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyObject(t)
	case []any:
		out := make([]any, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// mergeInto applies patch onto dst in place, recording dotted change paths.
func mergeInto(dst map[string]any, patch map[string]any, prefix string, changed *[]string) {
	for k, patchVal := range patch {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if patchVal == nil {
			if _, existed := dst[k]; existed {
				delete(dst, k)
				*changed = append(*changed, path)
			}
			continue
		}
		patchObj, patchIsObj := patchVal.(map[string]any)
		existingVal, existed := dst[k]
		if patchIsObj {
			existingObj, existingIsObj := existingVal.(map[string]any)
			if !existingIsObj {
				existingObj = map[string]any{}
			}
			mergeInto(existingObj, patchObj, path, changed)
			dst[k] = existingObj
			continue
		}
		if !existed || !valuesEqual(existingVal, patchVal) {
			dst[k] = patchVal
			*changed = append(*changed, path)
		}
	}
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// ValidateSize enforces the spec §8 size bound before a patch is applied.
func ValidateSize(raw []byte) error {
	if len(raw) > maxPatchBytes {
		return apperr.New(apperr.Validation, "profile: patch exceeds 1MB size limit")
	}
	return nil
}
