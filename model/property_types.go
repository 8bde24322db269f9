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
	"encoding/json"
	"math"
	"reflect"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/vmihailenco/msgpack/v5"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/internal/zlib"
	"go.chromium.org/ndb/key"
	"go.chromium.org/ndb/record"
)

// Type is the variant of a Property.
type Type int

// All property variants.
const (
	TypeGeneric Type = iota
	TypeBoolean
	TypeInteger
	TypeFloat
	TypeBlob
	TypeText
	TypeString
	TypeDateTime
	TypeDate
	TypeTime
	TypeKey
	TypeGeoPt
	TypeJSON
	TypeMsgpack
	TypeStructured
	TypeLocalStructured
	TypeComputed
)

var typeNames = [...]string{
	TypeGeneric:         "Generic",
	TypeBoolean:         "Boolean",
	TypeInteger:         "Integer",
	TypeFloat:           "Float",
	TypeBlob:            "Blob",
	TypeText:            "Text",
	TypeString:          "String",
	TypeDateTime:        "DateTime",
	TypeDate:            "Date",
	TypeTime:            "Time",
	TypeKey:             "Key",
	TypeGeoPt:           "GeoPt",
	TypeJSON:            "JSON",
	TypeMsgpack:         "Msgpack",
	TypeStructured:      "Structured",
	TypeLocalStructured: "LocalStructured",
	TypeComputed:        "Computed",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

func (t Type) defaultIndexed() bool {
	switch t {
	case TypeBlob, TypeText, TypeJSON, TypeMsgpack, TypeLocalStructured:
		return false
	}
	return true
}

func (t Type) isTime() bool {
	return t == TypeDateTime || t == TypeDate || t == TypeTime
}

// isBlob is true for variants stored as bytes.
func (t Type) isBlob() bool {
	switch t {
	case TypeBlob, TypeText, TypeString, TypeJSON, TypeMsgpack, TypeLocalStructured:
		return true
	}
	return false
}

func (t Type) isText() bool { return t == TypeText || t == TypeString }

////////////////////////////////////////////////////////////////////////////////
// Constructors.

// Boolean defines a bool property.
func Boolean(name string, opts ...Option) *Property {
	return newProperty(TypeBoolean, name, nil, []layer{{validate: validateBool}}, opts)
}

// Integer defines an int64 property. Any Go integer type is accepted.
func Integer(name string, opts ...Option) *Property {
	return newProperty(TypeInteger, name, nil, []layer{{validate: validateInt}}, opts)
}

// Float defines a float64 property. Integers are accepted and converted.
func Float(name string, opts ...Option) *Property {
	return newProperty(TypeFloat, name, nil, []layer{{validate: validateFloat}}, opts)
}

// Blob defines a []byte property. Unindexed by default.
func Blob(name string, opts ...Option) *Property {
	return newProperty(TypeBlob, name, nil, []layer{blobLayer}, opts)
}

// Text defines an unindexed string property of unlimited length.
func Text(name string, opts ...Option) *Property {
	return newProperty(TypeText, name, nil, []layer{textLayer, blobLayer}, opts)
}

// String defines an indexed string property of at most 1500 bytes.
func String(name string, opts ...Option) *Property {
	return newProperty(TypeString, name, nil, []layer{textLayer, blobLayer}, opts)
}

// DateTime defines a time.Time property, stored in UTC with microsecond
// precision.
func DateTime(name string, opts ...Option) *Property {
	return newProperty(TypeDateTime, name, nil, []layer{{validate: validateDateTime}}, opts)
}

// Date defines a civil.Date property.
func Date(name string, opts ...Option) *Property {
	return newProperty(TypeDate, name, nil, []layer{dateLayer, {validate: validateDateTime}}, opts)
}

// Time defines a civil.Time property.
func Time(name string, opts ...Option) *Property {
	return newProperty(TypeTime, name, nil, []layer{timeLayer, {validate: validateDateTime}}, opts)
}

// Key defines a *key.Key property. Only complete keys are accepted.
func Key(name string, opts ...Option) *Property {
	return newProperty(TypeKey, name, nil, []layer{{validate: validateKey}}, opts)
}

// GeoPt defines a record.GeoPoint property.
func GeoPt(name string, opts ...Option) *Property {
	return newProperty(TypeGeoPt, name, nil, []layer{{validate: validateGeoPt}}, opts)
}

// JSON defines a property holding any JSON-serializable value, stored as an
// unindexed blob.
func JSON(name string, opts ...Option) *Property {
	return newProperty(TypeJSON, name, nil, []layer{jsonLayer, blobLayer}, opts)
}

// Msgpack defines a property holding any msgpack-serializable value, stored
// as an unindexed blob.
func Msgpack(name string, opts ...Option) *Property {
	return newProperty(TypeMsgpack, name, nil, []layer{msgpackLayer, blobLayer}, opts)
}

// Structured defines a property holding sub-entities of kind k, whose
// properties are stored inline with dotted names.
func Structured(name string, k *Kind, opts ...Option) *Property {
	return newProperty(TypeStructured, name, k, []layer{{validate: validateEntity}}, opts)
}

// LocalStructured defines a property holding sub-entities of kind k, stored
// as serialized entity blobs.
func LocalStructured(name string, k *Kind, opts ...Option) *Property {
	return newProperty(TypeLocalStructured, name, k, []layer{lspLayer, blobLayer}, opts)
}

// Generic defines an untyped property. It accepts any value a record can
// hold.
func Generic(name string, opts ...Option) *Property {
	return newProperty(TypeGeneric, name, nil, []layer{genericLayer}, opts)
}

// Computed defines a read-only property whose value is calculated by fn
// every time it's read.
func Computed(name string, fn ComputeFunc, opts ...Option) *Property {
	opts = append(opts, func(c *config) { c.compute = fn })
	return newProperty(TypeComputed, name, nil, []layer{genericLayer}, opts)
}

////////////////////////////////////////////////////////////////////////////////
// Layers.

func validateBool(p *Property, v any) (any, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return nil, badValuef("expected bool, got %#v", v)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x), true
		}
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}

func validateInt(p *Property, v any) (any, error) {
	if i, ok := toInt64(v); ok {
		return i, nil
	}
	return nil, badValuef("expected integer, got %#v", v)
}

func validateFloat(p *Property, v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), nil
	}
	return nil, badValuef("expected float, got %#v", v)
}

var blobLayer = layer{
	validate: func(p *Property, v any) (any, error) {
		b, ok := v.([]byte)
		if !ok {
			return nil, badValuef("expected []byte, got %#v", v)
		}
		if p.cfg.indexed && !p.typ.isText() && len(b) > maxIndexedLength {
			return nil, badValuef("indexed value %s must be at most %d bytes", p.name, maxIndexedLength)
		}
		return b, nil
	},
	toBase:   compressBytes,
	fromBase: decompressBytes,
}

func compressBytes(p *Property, v any) (any, error) {
	if b, ok := v.([]byte); ok && p.cfg.compressed {
		return compressedValue{zlib.Compress(b, nil)}, nil
	}
	return v, nil
}

func decompressBytes(p *Property, v any) (any, error) {
	if c, ok := v.(compressedValue); ok {
		b, err := zlib.Decompress(c.z, nil)
		if err != nil {
			return nil, errors.Annotate(err, "property %s", p.name).Err()
		}
		return b, nil
	}
	return v, nil
}

var textLayer = layer{
	validate: func(p *Property, v any) (any, error) {
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case []byte:
			if !utf8.Valid(x) {
				return nil, badValuef("expected valid UTF-8 for property %s, got %#v", p.name, v)
			}
			s = string(x)
		default:
			return nil, badValuef("expected string, got %#v", v)
		}
		if !utf8.ValidString(s) {
			return nil, badValuef("expected valid UTF-8 for property %s, got %q", p.name, s)
		}
		if p.cfg.indexed && len(s) > maxIndexedLength {
			return nil, badValuef("indexed value %s must be at most %d bytes", p.name, maxIndexedLength)
		}
		return s, nil
	},
	toBase: func(p *Property, v any) (any, error) {
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
		return v, nil
	},
	fromBase: func(p *Property, v any) (any, error) {
		if b, ok := v.([]byte); ok && utf8.Valid(b) {
			return string(b), nil
		}
		return v, nil
	},
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func validateDateTime(p *Property, v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return normalizeTime(t), nil
	}
	return nil, badValuef("expected time.Time, got %#v", v)
}

var dateLayer = layer{
	validate: func(p *Property, v any) (any, error) {
		d, ok := v.(civil.Date)
		if !ok {
			return nil, badValuef("expected civil.Date, got %#v", v)
		}
		if !d.IsValid() {
			return nil, badValuef("invalid date %s for property %s", d, p.name)
		}
		return d, nil
	},
	toBase: func(p *Property, v any) (any, error) {
		d := v.(civil.Date)
		return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC), nil
	},
	fromBase: func(p *Property, v any) (any, error) {
		if t, ok := v.(time.Time); ok {
			return civil.DateOf(t.UTC()), nil
		}
		return v, nil
	},
}

var timeLayer = layer{
	validate: func(p *Property, v any) (any, error) {
		t, ok := v.(civil.Time)
		if !ok {
			return nil, badValuef("expected civil.Time, got %#v", v)
		}
		if !t.IsValid() {
			return nil, badValuef("invalid time %s for property %s", t, p.name)
		}
		t.Nanosecond -= t.Nanosecond % int(time.Microsecond)
		return t, nil
	},
	toBase: func(p *Property, v any) (any, error) {
		t := v.(civil.Time)
		return time.Date(1970, 1, 1, t.Hour, t.Minute, t.Second, t.Nanosecond, time.UTC), nil
	},
	fromBase: func(p *Property, v any) (any, error) {
		if t, ok := v.(time.Time); ok {
			return civil.TimeOf(t.UTC()), nil
		}
		return v, nil
	},
}

func validateKey(p *Property, v any) (any, error) {
	k, ok := v.(*key.Key)
	if !ok || k == nil {
		return nil, badValuef("expected *key.Key, got %#v", v)
	}
	if k.IsIncomplete() || !k.Valid(false) {
		return nil, badValuef("expected complete key, got %s", k)
	}
	if p.cfg.keyKind != "" && k.Kind() != p.cfg.keyKind {
		return nil, badValuef("expected key with kind=%q, got %s", p.cfg.keyKind, k)
	}
	return k, nil
}

func validateGeoPt(p *Property, v any) (any, error) {
	g, ok := v.(record.GeoPoint)
	if !ok {
		return nil, badValuef("expected record.GeoPoint, got %#v", v)
	}
	if !g.Valid() {
		return nil, badValuef("invalid GeoPoint %v", g)
	}
	return g, nil
}

// decodeInto unmarshals blob into a fresh value of p's DecodeAs type, or
// into an untyped value.
func decodeInto(p *Property, blob []byte, unmarshal func([]byte, any) error) (any, error) {
	if p.cfg.decodeAs == nil {
		var out any
		if err := unmarshal(blob, &out); err != nil {
			return nil, errors.Annotate(err, "property %s", p.name).Err()
		}
		return out, nil
	}
	ptr := reflect.New(p.cfg.decodeAs)
	if err := unmarshal(blob, ptr.Interface()); err != nil {
		return nil, errors.Annotate(err, "property %s", p.name).Err()
	}
	return ptr.Elem().Interface(), nil
}

func checkDecodeAs(p *Property, v any) (any, error) {
	if p.cfg.decodeAs != nil && reflect.TypeOf(v) != p.cfg.decodeAs {
		return nil, badValuef("%sProperty %s must be a %s, got %T", p.typ, p.name, p.cfg.decodeAs, v)
	}
	return v, nil
}

var jsonLayer = layer{
	validate: checkDecodeAs,
	toBase: func(p *Property, v any) (any, error) {
		blob, err := json.Marshal(v)
		if err != nil {
			return nil, badValuef("property %s: %s", p.name, err)
		}
		return blob, nil
	},
	fromBase: func(p *Property, v any) (any, error) {
		if b, ok := v.([]byte); ok {
			return decodeInto(p, b, json.Unmarshal)
		}
		return v, nil
	},
}

var msgpackLayer = layer{
	validate: checkDecodeAs,
	toBase: func(p *Property, v any) (any, error) {
		blob, err := msgpack.Marshal(v)
		if err != nil {
			return nil, badValuef("property %s: %s", p.name, err)
		}
		return blob, nil
	},
	fromBase: func(p *Property, v any) (any, error) {
		if b, ok := v.([]byte); ok {
			return decodeInto(p, b, msgpack.Unmarshal)
		}
		return v, nil
	},
}

// validateEntity accepts an *Entity of the property's kind, or a map of
// constructor arguments for one.
func validateEntity(p *Property, v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		return p.kind.New(x)
	case *Entity:
		if x == nil {
			break
		}
		if p.kind.generic || x.kind == p.kind {
			return x, nil
		}
	}
	return nil, badValuef("expected %s instance, got %#v", p.kind.name, v)
}

var lspLayer = layer{
	validate: validateEntity,
	toBase: func(p *Property, v any) (any, error) {
		return entityToBlob(v.(*Entity), p.cfg.keepKeys)
	},
	fromBase: func(p *Property, v any) (any, error) {
		b, ok := v.([]byte)
		if !ok {
			return v, nil
		}
		return blobToEntity(p.kind, b, p.cfg.keepKeys)
	},
}

func entityToBlob(e *Entity, keepKey bool) ([]byte, error) {
	rec, err := e.ToRecord(ToRecordOptions{NoKey: !keepKey})
	if err != nil {
		return nil, err
	}
	return record.Marshal(rec)
}

func blobToEntity(k *Kind, blob []byte, keepKey bool) (*Entity, error) {
	rec, err := record.Unmarshal(blob)
	if err != nil {
		return nil, err
	}
	if !keepKey {
		rec.Key = nil
	}
	// Sub-entity blobs are decoded lazily on first access, after the
	// context of the outer FromRecord call is gone.
	return k.FromRecord(context.Background(), rec)
}

var genericLayer = layer{
	validate: func(p *Property, v any) (any, error) {
		if i, ok := toInt64(v); ok {
			return i, nil
		}
		switch x := v.(type) {
		case nil, bool, *key.Key, record.GeoPoint, *Entity:
			return v, nil
		case float32:
			return float64(x), nil
		case float64:
			return x, nil
		case time.Time:
			return normalizeTime(x), nil
		case string:
			if p.cfg.indexed && len(x) > maxIndexedLength {
				return nil, badValuef("indexed value %s must be at most %d bytes", p.name, maxIndexedLength)
			}
			return x, nil
		case []byte:
			if p.cfg.indexed && len(x) > maxIndexedLength {
				return nil, badValuef("indexed value %s must be at most %d bytes", p.name, maxIndexedLength)
			}
			return x, nil
		}
		return nil, &NotImplementedError{Msg: "property " + p.name + " does not support " + reflect.TypeOf(v).String() + " values"}
	},
	toBase:   compressBytes,
	fromBase: decompressBytes,
}
