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

// Package record defines the flat storage record that entities are
// serialized to, and its conversion to the Cloud Datastore v1 protobuf
// Entity.
//
// A Record is an ordered list of (name, value, indexed, multiple, meaning)
// tuples plus a key. Nested entities are flattened into dotted names
// ("a.b.c") and repeated values are emitted as several tuples with the same
// name and Multiple set.
package record

import (
	"fmt"
	"time"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
)

// Meaning is an optional hint about how a raw value should be interpreted.
//
// The numeric values match the legacy entity proto, so records can be
// exchanged with other NDB implementations.
type Meaning int32

// Meanings understood by this package.
const (
	NoMeaning         Meaning = 0
	MeaningGDWhen     Meaning = 7
	MeaningGeoPoint   Meaning = 9
	MeaningBlob       Meaning = 14
	MeaningText       Meaning = 15
	MeaningByteString Meaning = 16
	MeaningBlobKey    Meaning = 17
	MeaningIndexValue Meaning = 18
	MeaningEntity     Meaning = 19
	MeaningZlib       Meaning = 22
	MeaningEmptyList  Meaning = 24
)

func (m Meaning) String() string {
	switch m {
	case NoMeaning:
		return "NONE"
	case MeaningGDWhen:
		return "GD_WHEN"
	case MeaningGeoPoint:
		return "GEORSS_POINT"
	case MeaningBlob:
		return "BLOB"
	case MeaningText:
		return "TEXT"
	case MeaningByteString:
		return "BYTESTRING"
	case MeaningBlobKey:
		return "BLOBKEY"
	case MeaningIndexValue:
		return "INDEX_VALUE"
	case MeaningEntity:
		return "ENTITY_PROTO"
	case MeaningZlib:
		return "ZLIB"
	case MeaningEmptyList:
		return "EMPTY_LIST"
	}
	return fmt.Sprintf("Meaning(%d)", int32(m))
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat, Lng float64
}

// Valid returns whether a GeoPoint is within [-90, 90] latitude and
// [-180, 180] longitude.
func (g GeoPoint) Valid() bool {
	return -90 <= g.Lat && g.Lat <= 90 && -180 <= g.Lng && g.Lng <= 180
}

// Property is a single raw storage value.
//
// Value is one of:
//   - nil
//   - bool
//   - int64
//   - float64
//   - string
//   - []byte
//   - time.Time
//   - GeoPoint
//   - *key.Key
type Property struct {
	Name     string
	Value    any
	Indexed  bool
	Multiple bool
	Meaning  Meaning
}

func (p Property) String() string {
	return fmt.Sprintf("%s=%#v (indexed=%t, multiple=%t, meaning=%s)",
		p.Name, p.Value, p.Indexed, p.Multiple, p.Meaning)
}

// Record is an entity in storage form.
type Record struct {
	Key        *key.Key
	Properties []Property
}

// Add appends a property to the record.
func (r *Record) Add(p Property) {
	r.Properties = append(r.Properties, p)
}

// Names returns the name of every property, in record order.
func (r *Record) Names() []string {
	ret := make([]string, len(r.Properties))
	for i, p := range r.Properties {
		ret[i] = p.Name
	}
	return ret
}

// CheckValue returns an error if v isn't one of the value types a Property
// can hold.
func CheckValue(v any) error {
	switch v.(type) {
	case nil, bool, int64, float64, string, []byte, time.Time, GeoPoint, *key.Key:
		return nil
	}
	return errors.Reason("record: unsupported value type %T", v).Err()
}
