// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spencerc99/playhtml-sub002/crdt"
)

// decodeDocument turns a stored blob back into a live document. Snapshots
// written by this server carry full CRDT state; anything else is treated as
// a plain tag→element→value export, which covers documents imported from
// older deploys.
func decodeDocument(blob []byte) (*crdt.Doc, error) {
	doc, err := crdt.DecodeSnapshot(blob)
	if err == nil {
		return doc, nil
	}
	var play map[string]map[string]crdt.Value
	if jsonErr := json.Unmarshal(blob, &play); jsonErr != nil {
		return nil, fmt.Errorf("crdt.DecodeSnapshot: %w", err)
	}
	return crdt.NewFromPlain(play, 0), nil
}

func mergeElementIDs(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	merged := make([]string, 0, len(existing)+len(extra))
	for _, id := range existing {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range extra {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func intersectIDs(changed, wanted []string) []string {
	var both []string
	for _, id := range changed {
		if containsID(wanted, id) {
			both = append(both, id)
		}
	}
	return both
}

func updateElementIDs(update crdt.Update) []string {
	seen := make(map[string]struct{}, len(update.Nodes))
	ids := make([]string, 0, len(update.Nodes))
	for _, node := range update.Nodes {
		if _, ok := seen[node.Element]; ok {
			continue
		}
		seen[node.Element] = struct{}{}
		ids = append(ids, node.Element)
	}
	return ids
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// escapeJSONPath escapes an element ID for use as a single sjson path
// component. Element IDs routinely contain dots.
func escapeJSONPath(key string) string {
	key = strings.ReplaceAll(key, `\`, `\\`)
	key = strings.ReplaceAll(key, `.`, `\.`)
	key = strings.ReplaceAll(key, `*`, `\*`)
	key = strings.ReplaceAll(key, `?`, `\?`)
	return key
}
