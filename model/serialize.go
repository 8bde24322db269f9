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
	"fmt"
	"strings"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
	"go.chromium.org/ndb/record"
)

// ToRecordOptions controls Entity.ToRecord.
type ToRecordOptions struct {
	// AllowPartial skips the check for missing required values.
	AllowPartial bool
	// NoKey leaves the record key unset.
	NoKey bool
}

// ToRecord serializes the entity into a storage record.
//
// Properties are written in storage name order. An entity without a key
// gets an incomplete key of its kind.
func (e *Entity) ToRecord(opts ToRecordOptions) (*record.Record, error) {
	if !opts.AllowPartial {
		if err := e.CheckInitialized(); err != nil {
			return nil, err
		}
	}
	rec := &record.Record{}
	if !opts.NoKey {
		rec.Key = e.key
		if rec.Key == nil {
			rec.Key = key.New("", "", e.kind.name, "", 0, nil)
		}
	}
	projection := e.projSet
	if len(e.projection) == 0 {
		projection = nil
	}
	for _, p := range e.sortedProps() {
		if err := p.serialize(e, rec, "", false, projection); err != nil {
			return nil, errors.Annotate(err, "serializing %s", p.name).Err()
		}
	}
	return rec, nil
}

type propCacheKey struct {
	name    string
	indexed bool
}

// FromRecord decodes a storage record into an entity of this kind.
//
// Record properties unknown to the kind become orphan properties of the
// entity. Properties with the INDEX_VALUE meaning make the result a
// projection entity. An incomplete key without a parent is dropped.
func (k *Kind) FromRecord(ctx context.Context, rec *record.Record) (*Entity, error) {
	e := k.newEntity()
	if rk := rec.Key; rk != nil && (!rk.IsIncomplete() || rk.Parent() != nil) {
		if err := e.SetKey(rk); err != nil {
			return nil, err
		}
	}

	cache := map[propCacheKey]*Property{}
	var projection []string
	for _, rp := range rec.Properties {
		if rp.Meaning == record.MeaningIndexValue {
			projection = append(projection, rp.Name)
		}
		ck := propCacheKey{rp.Name, rp.Indexed}
		p := cache[ck]
		if p == nil {
			if p = e.propertyFor(rp, 0); p == nil {
				return nil, badValuef("record property with an empty name")
			}
			cache[ck] = p
		}
		if err := p.deserialize(ctx, e, rp, 1); err != nil {
			return nil, errors.Annotate(err, "deserializing %s", rp.Name).Err()
		}
	}
	if len(projection) > 0 {
		if err := e.setProjection(projection); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// propertyFor resolves the property handling the depth-th component of a
// record property name, creating an orphan property if the entity doesn't
// have one. Returns nil if the name has no such component.
func (e *Entity) propertyFor(rp record.Property, depth int) *Property {
	parts := strings.Split(rp.Name, ".")
	if len(parts) <= depth || parts[depth] == "" {
		return nil
	}
	next := parts[depth]
	if p := e.props[next]; p != nil {
		return p
	}
	return e.fakeProperty(rp, next, len(parts) > depth+1)
}

// fakeProperty adds an orphan property for a record property the entity's
// kind doesn't declare. nested is true if the record name continues past
// this component.
func (e *Entity) fakeProperty(rp record.Property, next string, nested bool) *Property {
	var p *Property
	if nested {
		p = Structured(next, e.kind.registry.expando)
		p.storeValue(e, wrapBase(e.kind.registry.expando.newEntity()))
	} else {
		compressed := rp.Meaning == record.MeaningZlib
		opts := []Option{Indexed(rp.Indexed && !compressed)}
		if rp.Multiple {
			opts = append(opts, Repeated())
		}
		if compressed {
			opts = append(opts, Compressed())
		}
		p = Generic(next, opts...)
	}
	p.owner = e.kind
	e.addProp(p)
	return p
}

// GoString is used by %#v, which is how values show up in error messages.
func (e *Entity) GoString() string {
	return fmt.Sprintf("&%s", e)
}
