// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package applier

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// Change actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Change levels.
const (
	LevelSystem       = "system"
	LevelResource     = "resource"
	LevelEntity       = "entity"
	LevelEntityLimits = "entity-limits"
)

// Change is one planned reconciliation step. Target is empty at system
// level, the resource name, the entity id, or "entity/resource" for entity
// limit rows.
type Change struct {
	Action string
	Level  string
	Target string
}

func (c Change) String() string {
	if c.Target == "" {
		return fmt.Sprintf("%s %s", c.Action, c.Level)
	}
	return fmt.Sprintf("%s %s %s", c.Action, c.Level, c.Target)
}

// ManagedSet records what a previous apply wrote, so the next apply can
// delete what the manifest no longer declares. Only applier-managed rows are
// ever deleted.
type ManagedSet struct {
	System       bool     `json:"system"`
	Resources    []string `json:"resources"`
	Entities     []string `json:"entities"`
	EntityLimits []string `json:"entity_limits"` // "entity/resource"
}

func entityLimitTarget(entityID, resource string) string {
	return entityID + "/" + resource
}

// Diff plans the changes taking the store from prev to the manifest. The
// plan is deterministic: creates and updates first (system, resources,
// entities, entity limits, each alphabetical), deletes last in the reverse
// level order so children go before the rows they refine.
func Diff(m *Manifest, prev ManagedSet) []Change {
	var changes []Change
	upsert := func(level, target string, managed bool) {
		action := ActionCreate
		if managed {
			action = ActionUpdate
		}
		changes = append(changes, Change{Action: action, Level: level, Target: target})
	}

	if m.System != nil {
		upsert(LevelSystem, "", prev.System)
	}

	prevResources := lo.SliceToMap(prev.Resources, func(r string) (string, struct{}) { return r, struct{}{} })
	for _, resource := range sortedKeys(m.Resources) {
		_, managed := prevResources[resource]
		upsert(LevelResource, resource, managed)
	}

	prevEntities := lo.SliceToMap(prev.Entities, func(e string) (string, struct{}) { return e, struct{}{} })
	prevLimits := lo.SliceToMap(prev.EntityLimits, func(t string) (string, struct{}) { return t, struct{}{} })
	for _, id := range sortedKeys(m.Entities) {
		_, managed := prevEntities[id]
		upsert(LevelEntity, id, managed)
		for _, resource := range sortedKeys(m.Entities[id].Resources) {
			target := entityLimitTarget(id, resource)
			_, managed := prevLimits[target]
			upsert(LevelEntityLimits, target, managed)
		}
	}

	del := func(level, target string) {
		changes = append(changes, Change{Action: ActionDelete, Level: level, Target: target})
	}
	declaredLimits := make(map[string]struct{})
	for id, spec := range m.Entities {
		for resource := range spec.Resources {
			declaredLimits[entityLimitTarget(id, resource)] = struct{}{}
		}
	}
	for _, target := range sortedSlice(prev.EntityLimits) {
		if _, ok := declaredLimits[target]; !ok {
			del(LevelEntityLimits, target)
		}
	}
	for _, id := range sortedSlice(prev.Entities) {
		if _, ok := m.Entities[id]; !ok {
			del(LevelEntity, id)
		}
	}
	for _, resource := range sortedSlice(prev.Resources) {
		if _, ok := m.Resources[resource]; !ok {
			del(LevelResource, resource)
		}
	}
	if prev.System && m.System == nil {
		del(LevelSystem, "")
	}
	return changes
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func sortedSlice(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// managedSetOf derives the managed set a manifest will leave behind.
func managedSetOf(m *Manifest) ManagedSet {
	set := ManagedSet{
		System:    m.System != nil,
		Resources: sortedKeys(m.Resources),
		Entities:  sortedKeys(m.Entities),
	}
	for _, id := range set.Entities {
		for _, resource := range sortedKeys(m.Entities[id].Resources) {
			set.EntityLimits = append(set.EntityLimits, entityLimitTarget(id, resource))
		}
	}
	return set
}
