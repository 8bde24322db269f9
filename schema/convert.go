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

package schema

import (
	"encoding/base64"
	"math"
	"time"

	"cloud.google.com/go/civil"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
	"go.chromium.org/ndb/model"
	"go.chromium.org/ndb/record"
)

// ConvertEntity converts untyped input, as decoded from JSON or YAML, into
// arguments for k.New.
//
// Property values are converted with ConvertValue. The identity arguments
// "key" and "parent" are encoded keys (see key.Key.Encode). Names the kind
// doesn't know are passed through, so k.New can reject them or, for expando
// kinds, create dynamic properties.
func ConvertEntity(k *model.Kind, in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for name, v := range in {
		var err error
		if out[name], err = convertArg(k, name, v); err != nil {
			return nil, errors.Annotate(err, "%s", name).Err()
		}
	}
	return out, nil
}

func convertArg(k *model.Kind, name string, v any) (any, error) {
	if p, ok := k.Property(name); ok {
		return ConvertValue(p, v)
	}
	switch name {
	case "key", "_key", "parent", "_parent":
		if s, ok := v.(string); ok {
			return key.Decode(s)
		}
		return v, nil
	case "id", "_id":
		if i, ok := integral(v); ok {
			return i, nil
		}
		return v, nil
	}
	if k.IsExpando() {
		return genericValue(normalize(v)), nil
	}
	return v, nil
}

// ConvertValue converts an untyped value into the user value type of p.
//
// JSON numbers become int64 for Integer properties when they are whole.
// Timestamps are RFC 3339 strings, dates and times use the civil package
// formats, blobs are standard base64, keys are encoded keys and geo points
// are {"lat": ..., "lng": ...} maps. Structured values are maps of
// sub-entity arguments.
func ConvertValue(p *model.Property, v any) (any, error) {
	v = normalize(v)
	if list, ok := v.([]any); ok && p.Repeated() {
		out := make([]any, len(list))
		for i, it := range list {
			var err error
			if out[i], err = convert(p.Type(), p.Kind(), it); err != nil {
				return nil, errors.Annotate(err, "item %d", i).Err()
			}
		}
		return out, nil
	}
	return convert(p.Type(), p.Kind(), v)
}

func convert(typ model.Type, kind *model.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	mismatch := func() error {
		return errors.Reason("expected a %s value, got %T", typ, v).Err()
	}

	switch typ {
	case model.TypeBoolean:
		if _, ok := v.(bool); !ok {
			return nil, mismatch()
		}
	case model.TypeString, model.TypeText:
		if _, ok := v.(string); !ok {
			return nil, mismatch()
		}
	case model.TypeInteger:
		i, ok := integral(v)
		if !ok {
			return nil, mismatch()
		}
		return i, nil
	case model.TypeFloat:
		switch x := v.(type) {
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		}
		return nil, mismatch()
	case model.TypeBlob:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		return base64.StdEncoding.DecodeString(s)
	case model.TypeDateTime:
		switch x := v.(type) {
		case string:
			return time.Parse(time.RFC3339Nano, x)
		case time.Time:
			return x, nil
		}
		return nil, mismatch()
	case model.TypeDate:
		if s, ok := v.(string); ok {
			return civil.ParseDate(s)
		}
		return nil, mismatch()
	case model.TypeTime:
		if s, ok := v.(string); ok {
			return civil.ParseTime(s)
		}
		return nil, mismatch()
	case model.TypeKey:
		if s, ok := v.(string); ok {
			return key.Decode(s)
		}
		return nil, mismatch()
	case model.TypeGeoPt:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch()
		}
		lat, ok1 := toFloat(m["lat"])
		lng, ok2 := toFloat(m["lng"])
		if !ok1 || !ok2 || len(m) != 2 {
			return nil, errors.Reason("expected {lat, lng}, got %v", m).Err()
		}
		return record.GeoPoint{Lat: lat, Lng: lng}, nil
	case model.TypeStructured, model.TypeLocalStructured:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch()
		}
		return ConvertEntity(kind, m)
	case model.TypeGeneric:
		return genericValue(v), nil
	}
	return v, nil
}

// genericValue turns whole JSON numbers into int64, recursively.
func genericValue(v any) any {
	switch x := v.(type) {
	case float64:
		if i, ok := integral(x); ok {
			return i
		}
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = genericValue(it)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			out[k] = genericValue(it)
		}
		return out
	}
	return v
}

func integral(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Export converts an entity into a map that survives a JSON round trip
// through ConvertEntity.
func Export(e *model.Entity) (map[string]any, error) {
	d, err := e.ToDict(model.ToDictOptions{})
	if err != nil {
		return nil, err
	}
	out := exportValue(d).(map[string]any)
	if e.Key() != nil {
		out["key"] = e.Key().Encode()
	}
	return out, nil
}

func exportValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			out[k] = exportValue(it)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = exportValue(it)
		}
		return out
	case *key.Key:
		return x.Encode()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case civil.Date:
		return x.String()
	case civil.Time:
		return x.String()
	case record.GeoPoint:
		return map[string]any{"lat": x.Lat, "lng": x.Lng}
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	}
	return v
}
