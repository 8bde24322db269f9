// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"context"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/ndb/record"
)

func (p *Property) structuredSerialize(e *Entity, rec *record.Record, prefix string, parentRepeated bool, projection stringset.Set) error {
	values, err := p.baseValuesAsList(e)
	if err != nil {
		return err
	}
	repeated := p.cfg.repeated || parentRepeated
	if p.cfg.repeated && len(values) == 0 && p.cfg.writeEmptyList {
		name := prefix + p.name
		if projection == nil || projection.Has(name) {
			rec.Add(record.Property{Name: name, Indexed: p.cfg.indexed, Meaning: record.MeaningEmptyList})
		}
		return nil
	}
	for _, v := range values {
		if v == nil {
			name := prefix + p.name
			if projection != nil && !projection.Has(name) {
				continue
			}
			rec.Add(record.Property{Name: name, Indexed: p.cfg.indexed, Multiple: repeated})
			continue
		}
		sub := v.(*Entity)
		for _, sp := range sub.sortedProps() {
			if err := sp.serialize(sub, rec, prefix+p.name+".", repeated, projection); err != nil {
				return err
			}
		}
	}
	return nil
}

// singleSubEntity returns the sub-entity stored for a non-repeated
// structured property, creating it if missing or nil.
func (p *Property) singleSubEntity(e *Entity) *Entity {
	if v := e.values[p.name]; v != nil {
		return unwrap(v).(*Entity)
	}
	sub := p.kind.newEntity()
	p.storeValue(e, wrapBase(sub))
	return sub
}

func (p *Property) structuredDeserialize(ctx context.Context, e *Entity, rp record.Property, depth int) error {
	if !p.cfg.repeated {
		sub := p.singleSubEntity(e)
		prop := sub.propertyFor(rp, depth)
		if prop == nil {
			// The record holds a nil sub-entity.
			p.storeValue(e, nil)
			return nil
		}
		return prop.deserialize(ctx, sub, rp, depth+1)
	}

	parts := strings.Split(rp.Name, ".")
	if len(parts) == depth && rp.Meaning == record.MeaningEmptyList {
		if _, ok := e.values[p.name]; !ok {
			p.storeValue(e, []any{})
		}
		return nil
	}
	if len(parts) <= depth {
		return badValuef("StructuredProperty %s expects a sub-property in %q", p.name, rp.Name)
	}
	next, rest := parts[depth], parts[depth+1:]

	prop := p.kind.props[next]
	fake := false
	if prop == nil {
		if len(rest) > 0 {
			logging.Warningf(ctx, "Skipping unknown structured subproperty (%s) in repeated structured property (%s of %s)", rp.Name, p.name, p.ownerName())
			return nil
		}
		prop = Generic(next, Repeated(), Indexed(rp.Indexed && rp.Meaning != record.MeaningZlib))
		if rp.Meaning == record.MeaningZlib {
			prop.cfg.compressed = true
		}
		prop.owner = p.kind
		fake = true
	}

	values, _ := e.values[p.name].([]any)
	counterPath := parts[depth-1:]
	nextIndex := e.counter.get(counterPath)

	var sub *Entity
	for nextIndex < len(values) {
		candidate := unwrap(values[nextIndex]).(*Entity)
		if !prop.hasValue(candidate, rest) {
			sub = candidate
			break
		}
		nextIndex = e.counter.increment(counterPath)
	}
	e.counter.increment(counterPath)

	if sub == nil {
		sub = p.kind.newEntity()
		p.storeValue(e, append(values, wrapBase(sub)))
	}
	if fake {
		sub.addProp(prop)
	}
	return prop.deserialize(ctx, sub, rp, depth+1)
}

func (p *Property) structuredHasValue(e *Entity, rest []string) bool {
	v, ok := e.values[p.name]
	if !ok || len(rest) == 0 {
		return ok
	}
	if p.cfg.repeated {
		return true
	}
	if v == nil {
		return true
	}
	sub := unwrap(v).(*Entity)
	subProp := sub.props[rest[0]]
	if subProp == nil {
		return false
	}
	return subProp.hasValue(sub, rest[1:])
}

// Sub returns a copy of the sub-kind's property with the given code name,
// whose storage name is prefixed with this property's name. It's used to
// build filters on sub-properties.
func (p *Property) Sub(codeName string) (*Property, error) {
	if p.kind == nil || p.typ != TypeStructured {
		return nil, &AttributeError{Kind: p.ownerName(), Name: p.codeName + "." + codeName}
	}
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if sp := p.subs[codeName]; sp != nil {
		return sp, nil
	}
	orig := p.kind.byCode[codeName]
	if orig == nil {
		return nil, &AttributeError{Kind: p.kind.name, Name: codeName}
	}
	sp := orig.clone(p.name + "." + orig.name)
	if p.subs == nil {
		p.subs = map[string]*Property{}
	}
	p.subs[codeName] = sp
	return sp, nil
}

func (p *Property) ownerName() string {
	if p.owner == nil {
		return ""
	}
	return p.owner.name
}
