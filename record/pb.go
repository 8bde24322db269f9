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

package record

import (
	"sort"
	"time"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"google.golang.org/genproto/googleapis/type/latlng"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
)

// ToEntityPB converts the record into a Cloud Datastore v1 Entity.
//
// Properties sharing a name are collected into an ArrayValue in record
// order, as are single properties with Multiple set. An EMPTY_LIST property
// becomes an empty ArrayValue.
//
// The entity keeps the order of values within a name but not across names,
// so records with repeated structured values should travel through Marshal.
func ToEntityPB(r *Record) (*datastorepb.Entity, error) {
	ret := &datastorepb.Entity{
		Key:        r.Key.ToPB(),
		Properties: make(map[string]*datastorepb.Value, len(r.Properties)),
	}

	byName := make(map[string][]Property, len(r.Properties))
	for _, p := range r.Properties {
		if p.Name == "" {
			return nil, errors.New("record: property without a name")
		}
		byName[p.Name] = append(byName[p.Name], p)
	}

	for name, props := range byName {
		if len(props) == 1 && props[0].Meaning == MeaningEmptyList {
			ret.Properties[name] = &datastorepb.Value{
				ValueType: &datastorepb.Value_ArrayValue{ArrayValue: &datastorepb.ArrayValue{}},
			}
			continue
		}
		if len(props) == 1 && !props[0].Multiple {
			v, err := valueToPB(props[0])
			if err != nil {
				return nil, err
			}
			ret.Properties[name] = v
			continue
		}
		arr := &datastorepb.ArrayValue{Values: make([]*datastorepb.Value, len(props))}
		for i, p := range props {
			v, err := valueToPB(p)
			if err != nil {
				return nil, err
			}
			arr.Values[i] = v
		}
		ret.Properties[name] = &datastorepb.Value{
			ValueType: &datastorepb.Value_ArrayValue{ArrayValue: arr},
		}
	}
	return ret, nil
}

func valueToPB(p Property) (*datastorepb.Value, error) {
	ret := &datastorepb.Value{
		Meaning:            int32(p.Meaning),
		ExcludeFromIndexes: !p.Indexed,
	}
	switch v := p.Value.(type) {
	case nil:
		ret.ValueType = &datastorepb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}
	case bool:
		ret.ValueType = &datastorepb.Value_BooleanValue{BooleanValue: v}
	case int64:
		ret.ValueType = &datastorepb.Value_IntegerValue{IntegerValue: v}
	case float64:
		ret.ValueType = &datastorepb.Value_DoubleValue{DoubleValue: v}
	case string:
		ret.ValueType = &datastorepb.Value_StringValue{StringValue: v}
	case []byte:
		ret.ValueType = &datastorepb.Value_BlobValue{BlobValue: v}
	case time.Time:
		ret.ValueType = &datastorepb.Value_TimestampValue{TimestampValue: timestamppb.New(v)}
	case GeoPoint:
		ret.ValueType = &datastorepb.Value_GeoPointValue{
			GeoPointValue: &latlng.LatLng{Latitude: v.Lat, Longitude: v.Lng},
		}
	case *key.Key:
		ret.ValueType = &datastorepb.Value_KeyValue{KeyValue: v.ToPB()}
	default:
		return nil, errors.Reason("record: property %q has unsupported value type %T", p.Name, p.Value).Err()
	}
	return ret, nil
}

// FromEntityPB converts a Cloud Datastore v1 Entity into a record.
//
// Properties are emitted in sorted name order; the values of an ArrayValue
// are emitted in array order with Multiple set. Embedded EntityValues are
// flattened into dotted names.
func FromEntityPB(e *datastorepb.Entity) (*Record, error) {
	ret := &Record{}
	if e.GetKey() != nil {
		k, err := key.FromPB(e.Key)
		if err != nil {
			return nil, err
		}
		ret.Key = k
	}
	if err := flatten(ret, "", e.GetProperties(), false); err != nil {
		return nil, err
	}
	return ret, nil
}

func flatten(r *Record, prefix string, props map[string]*datastorepb.Value, multiple bool) error {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := props[name]
		full := prefix + name
		arr, isArr := v.ValueType.(*datastorepb.Value_ArrayValue)
		if !isArr {
			if err := addValue(r, full, v, multiple); err != nil {
				return err
			}
			continue
		}
		if len(arr.ArrayValue.GetValues()) == 0 {
			r.Add(Property{Name: full, Indexed: true, Meaning: MeaningEmptyList})
			continue
		}
		for _, elem := range arr.ArrayValue.Values {
			if _, nested := elem.ValueType.(*datastorepb.Value_ArrayValue); nested {
				return errors.Reason("record: property %q has nested arrays", full).Err()
			}
			if err := addValue(r, full, elem, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func addValue(r *Record, name string, v *datastorepb.Value, multiple bool) error {
	if ev, ok := v.ValueType.(*datastorepb.Value_EntityValue); ok {
		return flatten(r, name+".", ev.EntityValue.GetProperties(), multiple)
	}
	val, err := valueFromPB(name, v)
	if err != nil {
		return err
	}
	r.Add(Property{
		Name:     name,
		Value:    val,
		Indexed:  !v.ExcludeFromIndexes,
		Multiple: multiple,
		Meaning:  Meaning(v.Meaning),
	})
	return nil
}

func valueFromPB(name string, v *datastorepb.Value) (any, error) {
	switch x := v.ValueType.(type) {
	case nil, *datastorepb.Value_NullValue:
		return nil, nil
	case *datastorepb.Value_BooleanValue:
		return x.BooleanValue, nil
	case *datastorepb.Value_IntegerValue:
		return x.IntegerValue, nil
	case *datastorepb.Value_DoubleValue:
		return x.DoubleValue, nil
	case *datastorepb.Value_StringValue:
		return x.StringValue, nil
	case *datastorepb.Value_BlobValue:
		return x.BlobValue, nil
	case *datastorepb.Value_TimestampValue:
		return x.TimestampValue.AsTime().UTC(), nil
	case *datastorepb.Value_GeoPointValue:
		return GeoPoint{Lat: x.GeoPointValue.GetLatitude(), Lng: x.GeoPointValue.GetLongitude()}, nil
	case *datastorepb.Value_KeyValue:
		return key.FromPB(x.KeyValue)
	}
	return nil, errors.Reason("record: property %q has unsupported value %T", name, v.ValueType).Err()
}
