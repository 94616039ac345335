// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crdt

import (
	"sort"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// Origin tags the cause of a transaction. Observers receive it with every
// change notification and use it to decide whether to mirror the change
// onward. This is the sole loop-prevention mechanism between rooms that
// mirror each other.
type Origin string

const (
	// OriginLocal marks edits made on this room's own behalf: client sync
	// traffic, admin pushes, proactive element registration.
	OriginLocal Origin = ""

	// OriginFromSource marks updates applied onto a consumer room because a
	// source room it references pushed new values. Consumer-side observers
	// ignore these, otherwise every inbound mirror would fire an outbound
	// one forever.
	OriginFromSource Origin = "bridge-from-source"

	// OriginFromConsumer marks updates applied onto a source room because a
	// consumer wrote to a shared element. Source-side observers ignore
	// these; fanout to the remaining subscribers happens inline instead.
	OriginFromConsumer Origin = "bridge-from-consumer"
)

// StateVector summarizes which writes a replica has seen: the highest
// lamport value observed per actor.
type StateVector map[string]uint64

// NodeUpdate carries one element write between replicas.
type NodeUpdate struct {
	Tag     string `json:"tag"`
	Element string `json:"el"`
	Value   Value  `json:"val"`
	Deleted bool   `json:"del,omitempty"`
	Lamport uint64 `json:"l"`
	Actor   string `json:"a"`
}

// Update is a batch of node writes. Epoch is set on full state transfers
// (sync step 2 and snapshots) so receivers can adopt a newer reset epoch.
type Update struct {
	Epoch int64        `json:"epoch,omitempty"`
	Nodes []NodeUpdate `json:"nodes"`
}

// IsEmpty reports whether the update carries no writes.
func (u Update) IsEmpty() bool { return len(u.Nodes) == 0 }

// ChangedKey names one play entry a transaction touched.
type ChangedKey struct {
	Tag     string
	Element string
	Deleted bool
}

// ObserverFunc receives the accepted writes of a committed transaction or
// merge, together with the origin that caused them.
type ObserverFunc func(changes []ChangedKey, origin Origin)

// stamp orders writes to the same element. Higher lamport wins; equal
// lamports fall back to the actor ID so all replicas converge on the same
// winner.
type stamp struct {
	Lamport uint64
	Actor   string
}

func (s stamp) newerThan(o stamp) bool {
	if s.Lamport != o.Lamport {
		return s.Lamport > o.Lamport
	}
	return s.Actor > o.Actor
}

type node struct {
	value     Value
	stamp     stamp
	tombstone bool
}

// Doc is one room's replicated document. The only structured layer is the
// play map (tag → elementId → value); everything below an elementId is an
// opaque Value replaced wholesale on write, with last-writer-wins merge
// between replicas. Deletions leave tombstones so they replicate; a hard
// reset builds a fresh document without them.
//
// A Doc is not safe for concurrent use. Each room's actor owns its document
// and serializes every call.
type Doc struct {
	actor string
	clock uint64
	sv    StateVector
	play  map[string]map[string]*node
	epoch int64

	observers map[int]ObserverFunc
	nextObsID int
}

// NewDoc creates an empty document with a fresh actor ID.
func NewDoc() *Doc {
	return &Doc{
		actor:     uuid.NewString(),
		sv:        StateVector{},
		play:      map[string]map[string]*node{},
		observers: map[int]ObserverFunc{},
	}
}

// NewFromPlain builds a history-free document from a plain play map, as used
// by hard resets and legacy snapshot upgrades. Every element gets a fresh
// stamp from the new actor; tombstones and prior actor history are gone.
func NewFromPlain(play map[string]map[string]Value, epoch int64) *Doc {
	d := NewDoc()
	d.epoch = epoch
	for _, tag := range sortedKeys(play) {
		for _, elementID := range sortedKeys(play[tag]) {
			d.clock++
			d.setNode(tag, elementID, &node{
				value: play[tag][elementID].Clone(),
				stamp: stamp{Lamport: d.clock, Actor: d.actor},
			})
		}
	}
	if d.clock > 0 {
		d.sv[d.actor] = d.clock
	}
	return d
}

// Actor returns this replica's actor ID.
func (d *Doc) Actor() string { return d.actor }

// Epoch returns the document's reset epoch, zero when never reset.
func (d *Doc) Epoch() int64 { return d.epoch }

// SetEpoch stamps a new reset epoch onto the document. The epoch only moves
// forward; older values are ignored.
func (d *Doc) SetEpoch(epoch int64) {
	if epoch > d.epoch {
		d.epoch = epoch
	}
}

// Observe registers fn to run after every committed transaction or merge
// that changed at least one element. The returned ID unregisters it again
// via Unobserve.
func (d *Doc) Observe(fn ObserverFunc) int {
	d.nextObsID++
	d.observers[d.nextObsID] = fn
	return d.nextObsID
}

func (d *Doc) Unobserve(id int) {
	delete(d.observers, id)
}

func (d *Doc) notify(changes []ChangedKey, origin Origin) {
	if len(changes) == 0 {
		return
	}
	for _, fn := range d.observers {
		fn(changes, origin)
	}
}

func (d *Doc) setNode(tag, elementID string, n *node) {
	elements, ok := d.play[tag]
	if !ok {
		elements = map[string]*node{}
		d.play[tag] = elements
	}
	elements[elementID] = n
}

func (d *Doc) getNode(tag, elementID string) *node {
	if elements, ok := d.play[tag]; ok {
		return elements[elementID]
	}
	return nil
}

// observe folds a remote stamp into the clock and state vector.
func (d *Doc) observeStamp(s stamp) {
	if s.Lamport > d.clock {
		d.clock = s.Lamport
	}
	if s.Lamport > d.sv[s.Actor] {
		d.sv[s.Actor] = s.Lamport
	}
}

// Txn is the handle for mutating the document inside Transact. Writes apply
// immediately; observers run once, after the whole transaction.
type Txn struct {
	doc     *Doc
	changes []ChangedKey
	update  []NodeUpdate
}

// Transact runs fn against the document, notifies observers with the given
// origin, and returns the committed writes as an Update suitable for
// broadcasting to sync peers.
func (d *Doc) Transact(origin Origin, fn func(*Txn)) Update {
	txn := &Txn{doc: d}
	fn(txn)
	d.notify(txn.changes, origin)
	return Update{Nodes: txn.update}
}

// Set writes value at play[tag][elementID], replacing whatever was there.
func (t *Txn) Set(tag, elementID string, value Value) {
	d := t.doc
	d.clock++
	s := stamp{Lamport: d.clock, Actor: d.actor}
	d.sv[d.actor] = d.clock
	d.setNode(tag, elementID, &node{value: value, stamp: s})
	t.changes = append(t.changes, ChangedKey{Tag: tag, Element: elementID})
	t.update = append(t.update, NodeUpdate{
		Tag: tag, Element: elementID, Value: value,
		Lamport: s.Lamport, Actor: s.Actor,
	})
}

// Delete tombstones play[tag][elementID] so the deletion replicates. A
// missing or already deleted element is a no-op.
func (t *Txn) Delete(tag, elementID string) {
	d := t.doc
	if n := d.getNode(tag, elementID); n == nil || n.tombstone {
		return
	}
	d.clock++
	s := stamp{Lamport: d.clock, Actor: d.actor}
	d.sv[d.actor] = d.clock
	d.setNode(tag, elementID, &node{value: Null(), stamp: s, tombstone: true})
	t.changes = append(t.changes, ChangedKey{Tag: tag, Element: elementID, Deleted: true})
	t.update = append(t.update, NodeUpdate{
		Tag: tag, Element: elementID, Value: Null(), Deleted: true,
		Lamport: s.Lamport, Actor: s.Actor,
	})
}

// Assign applies subtrees with the in-place policy: create missing elements,
// structurally merge existing ones so unchanged branches are reused, and
// skip writes that are JSON-equal to the current value.
func (t *Txn) Assign(subtrees Subtrees) {
	for _, tag := range sortedKeys(subtrees) {
		for _, elementID := range sortedKeys(subtrees[tag]) {
			incoming := subtrees[tag][elementID]
			existing := t.doc.getNode(tag, elementID)
			if existing != nil && !existing.tombstone {
				merged, changed := applyValue(existing.value, incoming)
				if !changed {
					continue
				}
				t.Set(tag, elementID, merged)
			} else {
				t.Set(tag, elementID, incoming.Clone())
			}
		}
	}
}

// ApplyUpdate merges writes from another replica, committing only those that
// beat the existing stamp for their element, and notifies observers with
// origin. The returned Update holds the accepted subset, which is what a
// relay should forward to its other peers.
func (d *Doc) ApplyUpdate(u Update, origin Origin) Update {
	var changes []ChangedKey
	var accepted []NodeUpdate
	for _, nu := range u.Nodes {
		s := stamp{Lamport: nu.Lamport, Actor: nu.Actor}
		d.observeStamp(s)
		if existing := d.getNode(nu.Tag, nu.Element); existing != nil && !s.newerThan(existing.stamp) {
			continue
		}
		d.setNode(nu.Tag, nu.Element, &node{value: nu.Value, stamp: s, tombstone: nu.Deleted})
		changes = append(changes, ChangedKey{Tag: nu.Tag, Element: nu.Element, Deleted: nu.Deleted})
		accepted = append(accepted, nu)
	}
	if u.Epoch > d.epoch {
		d.epoch = u.Epoch
	}
	d.notify(changes, origin)
	return Update{Nodes: accepted}
}

// Merge folds the complete state of another document into this one under
// last-writer-wins rules, as used by force reloads.
func (d *Doc) Merge(other *Doc, origin Origin) Update {
	return d.ApplyUpdate(other.Diff(StateVector{}), origin)
}

// StateVector returns a copy of the highest lamport seen per actor.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.sv))
	for actor, lamport := range d.sv {
		sv[actor] = lamport
	}
	return sv
}

// Diff returns every write the remote state vector has not seen, including
// tombstones, plus the document epoch. Applying it remotely brings that
// replica up to date.
func (d *Doc) Diff(remote StateVector) Update {
	u := Update{Epoch: d.epoch}
	for tag, elements := range d.play {
		for elementID, n := range elements {
			if n.stamp.Lamport > remote[n.stamp.Actor] {
				u.Nodes = append(u.Nodes, NodeUpdate{
					Tag: tag, Element: elementID,
					Value: n.value, Deleted: n.tombstone,
					Lamport: n.stamp.Lamport, Actor: n.stamp.Actor,
				})
			}
		}
	}
	sort.Slice(u.Nodes, func(i, j int) bool {
		if u.Nodes[i].Tag != u.Nodes[j].Tag {
			return u.Nodes[i].Tag < u.Nodes[j].Tag
		}
		return u.Nodes[i].Element < u.Nodes[j].Element
	})
	return u
}

// Has reports whether play[tag][elementID] exists and is not tombstoned.
func (d *Doc) Has(tag, elementID string) bool {
	n := d.getNode(tag, elementID)
	return n != nil && !n.tombstone
}

// Extract copies the subtrees for the given element IDs as plain values.
// Tombstoned elements are absent, as are tags with no matching elements.
func (d *Doc) Extract(elementIDs []string) Subtrees {
	wanted := make(map[string]struct{}, len(elementIDs))
	for _, id := range elementIDs {
		wanted[id] = struct{}{}
	}
	subtrees := Subtrees{}
	for tag, elements := range d.play {
		for elementID, n := range elements {
			if n.tombstone {
				continue
			}
			if _, ok := wanted[elementID]; !ok {
				continue
			}
			if subtrees[tag] == nil {
				subtrees[tag] = map[string]Value{}
			}
			subtrees[tag][elementID] = n.value.Clone()
		}
	}
	return subtrees
}

// ToPlain extracts the whole play map as plain values, skipping tombstones.
func (d *Doc) ToPlain() map[string]map[string]Value {
	play := make(map[string]map[string]Value, len(d.play))
	for tag, elements := range d.play {
		for elementID, n := range elements {
			if n.tombstone {
				continue
			}
			if play[tag] == nil {
				play[tag] = map[string]Value{}
			}
			play[tag][elementID] = n.value.Clone()
		}
	}
	return play
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}
