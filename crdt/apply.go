// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crdt

import "sort"

// Subtrees is the unit of bridge transfer: tag → elementId → plain value.
type Subtrees map[string]map[string]Value

// IsEmpty reports whether no element entries remain under any tag.
func (s Subtrees) IsEmpty() bool {
	for _, elements := range s {
		if len(elements) > 0 {
			return false
		}
	}
	return true
}

// ElementIDs returns the distinct element IDs present under any tag, sorted.
func (s Subtrees) ElementIDs() []string {
	seen := map[string]struct{}{}
	for _, elements := range s {
		for elementID := range elements {
			seen[elementID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Filter returns the entries keep reports true for, dropping tags that end
// up empty. The receiver is not modified.
func (s Subtrees) Filter(keep func(tag, elementID string) bool) Subtrees {
	filtered := Subtrees{}
	for tag, elements := range s {
		for elementID, value := range elements {
			if !keep(tag, elementID) {
				continue
			}
			if filtered[tag] == nil {
				filtered[tag] = map[string]Value{}
			}
			filtered[tag][elementID] = value
		}
	}
	return filtered
}

// applyValue merges incoming into current under the in-place policy: for
// maps, keys absent from incoming are deleted and matching keys recurse;
// lists and primitives are replaced wholesale. Branches equal to the current
// value are reused rather than copied, so the result shares structure with
// current wherever nothing changed. The bool reports whether the result
// differs from current at all.
func applyValue(current, incoming Value) (Value, bool) {
	if current.kind == KindMap && incoming.kind == KindMap {
		changed := len(current.m) != len(incoming.m)
		merged := make(map[string]Value, len(incoming.m))
		for key, incomingField := range incoming.m {
			if currentField, ok := current.m[key]; ok {
				mergedField, fieldChanged := applyValue(currentField, incomingField)
				merged[key] = mergedField
				changed = changed || fieldChanged
			} else {
				merged[key] = incomingField.Clone()
				changed = true
			}
		}
		if !changed {
			return current, false
		}
		return Value{kind: KindMap, m: merged}, true
	}
	if current.Equal(incoming) {
		return current, false
	}
	return incoming.Clone(), true
}
