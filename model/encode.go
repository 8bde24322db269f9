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
	"time"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
	"go.chromium.org/ndb/record"
)

// dbSet converts a non-nil storage form value into a record value and its
// meaning.
func (p *Property) dbSet(v any) (any, record.Meaning, error) {
	if c, ok := v.(compressedValue); ok {
		return c.z, record.MeaningZlib, nil
	}
	switch p.typ {
	case TypeBlob, TypeJSON, TypeMsgpack:
		return v, p.blobMeaning(), nil
	case TypeLocalStructured:
		return v, record.MeaningEntity, nil
	case TypeText, TypeString:
		b, ok := v.([]byte)
		if !ok {
			return nil, 0, errors.Reason("impossible: %s holds %T", p.name, v).Err()
		}
		if p.cfg.indexed {
			return string(b), record.NoMeaning, nil
		}
		return string(b), record.MeaningText, nil
	case TypeGeneric, TypeComputed:
		switch x := v.(type) {
		case string:
			if !p.cfg.indexed {
				return x, record.MeaningText, nil
			}
			return x, record.NoMeaning, nil
		case []byte:
			return x, p.blobMeaning(), nil
		case *Entity:
			blob, err := entityToBlob(x, x.key != nil)
			if err != nil {
				return nil, 0, err
			}
			return blob, record.MeaningEntity, nil
		}
	}
	if err := record.CheckValue(v); err != nil {
		return nil, 0, &NotImplementedError{Msg: fmt.Sprintf("property %s: %s", p.name, err)}
	}
	return v, record.NoMeaning, nil
}

func (p *Property) blobMeaning() record.Meaning {
	if p.cfg.indexed {
		return record.MeaningByteString
	}
	return record.MeaningBlob
}

// dbGet converts a record value into storage form. Values of a type the
// property can't hold come back as nil.
func (p *Property) dbGet(rp record.Property) (any, error) {
	v := rp.Value
	if v == nil {
		return nil, nil
	}
	if rp.Meaning == record.MeaningZlib {
		switch x := v.(type) {
		case []byte:
			return compressedValue{x}, nil
		case string:
			return compressedValue{[]byte(x)}, nil
		}
	}
	switch {
	case p.typ.isBlob():
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
		return nil, nil
	case p.typ.isTime():
		return timeValue(rp), nil
	}
	switch p.typ {
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeInteger:
		if i, ok := v.(int64); ok {
			return i, nil
		}
	case TypeFloat:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case TypeKey:
		if k, ok := v.(*key.Key); ok {
			return k, nil
		}
	case TypeGeoPt:
		if g, ok := v.(record.GeoPoint); ok {
			return g, nil
		}
	case TypeGeneric, TypeComputed:
		return p.genericGet(rp)
	}
	return nil, nil
}

func timeValue(rp record.Property) any {
	switch x := rp.Value.(type) {
	case time.Time:
		return x.UTC()
	case int64:
		if rp.Meaning == record.MeaningGDWhen {
			return time.UnixMicro(x).UTC()
		}
	}
	return nil
}

func (p *Property) genericGet(rp record.Property) (any, error) {
	switch x := rp.Value.(type) {
	case int64:
		if rp.Meaning == record.MeaningGDWhen {
			return time.UnixMicro(x).UTC(), nil
		}
	case []byte:
		if rp.Meaning == record.MeaningEntity && p.owner != nil {
			return p.owner.registry.decodeEmbedded(x)
		}
	case time.Time:
		return x.UTC(), nil
	}
	return rp.Value, nil
}

// serialize appends the property's values to rec.
func (p *Property) serialize(e *Entity, rec *record.Record, prefix string, parentRepeated bool, projection stringset.Set) error {
	if p.typ == TypeStructured {
		return p.structuredSerialize(e, rec, prefix, parentRepeated, projection)
	}
	name := prefix + p.name
	if projection != nil && !projection.Has(name) {
		return nil
	}
	if p.typ == TypeComputed {
		if _, err := p.GetValue(e); err != nil {
			return err
		}
	}
	values, err := p.baseValuesAsList(e)
	if err != nil {
		return err
	}
	if p.cfg.repeated && len(values) == 0 && p.cfg.writeEmptyList {
		rec.Add(record.Property{Name: name, Indexed: p.cfg.indexed, Meaning: record.MeaningEmptyList})
		return nil
	}
	for _, v := range values {
		rp := record.Property{
			Name:     name,
			Indexed:  p.cfg.indexed,
			Multiple: p.cfg.repeated || parentRepeated,
		}
		if v != nil {
			if rp.Value, rp.Meaning, err = p.dbSet(v); err != nil {
				return err
			}
		}
		if projection != nil {
			rp.Meaning = record.MeaningIndexValue
			rp.Multiple = false
		}
		rec.Add(rp)
	}
	return nil
}

// deserialize stores one record property into the entity. depth is the
// number of name components consumed by the enclosing structured
// properties.
func (p *Property) deserialize(ctx context.Context, e *Entity, rp record.Property, depth int) error {
	if p.typ == TypeStructured {
		return p.structuredDeserialize(ctx, e, rp, depth)
	}
	if rp.Meaning == record.MeaningEmptyList {
		p.storeValue(e, []any{})
		return nil
	}
	v, err := p.dbGet(rp)
	if err != nil {
		return err
	}
	if v != nil {
		v = wrapBase(v)
	}
	if p.cfg.repeated {
		list, _ := e.values[p.name].([]any)
		p.storeValue(e, append(list, v))
	} else {
		p.storeValue(e, v)
	}
	return nil
}
