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
	"testing"
	"time"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"github.com/google/go-cmp/cmp"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/ndb/key"
)

func TestRecord(t *testing.T) {
	t.Parallel()

	ftt.Run("Record", t, func(t *ftt.Test) {
		k := key.New("app", "", "Kind", "", 1, nil)
		now := time.Date(2024, 3, 4, 5, 6, 7, 8000, time.UTC)

		rec := &Record{
			Key: k,
			Properties: []Property{
				{Name: "a.b.c", Value: int64(1), Indexed: true, Multiple: true},
				{Name: "a.b.c", Value: int64(2), Indexed: true, Multiple: true},
				{Name: "a.b.d", Value: int64(3), Indexed: true, Multiple: true},
				{Name: "a.b.d", Value: int64(4), Indexed: true, Multiple: true},
				{Name: "blob", Value: []byte("abc"), Meaning: MeaningBlob},
				{Name: "empty", Indexed: true, Meaning: MeaningEmptyList},
				{Name: "geo", Value: GeoPoint{1, 2}, Indexed: true},
				{Name: "name", Value: "hello", Indexed: true},
				{Name: "none", Indexed: true},
				{Name: "ref", Value: key.New("app", "", "Other", "x", 0, nil), Indexed: true},
				{Name: "when", Value: now, Indexed: true},
				{Name: "yes", Value: true, Indexed: true},
				{Name: "z", Value: 1.5, Indexed: true},
			},
		}

		t.Run("round trip", func(t *ftt.Test) {
			blob, err := Marshal(rec)
			assert.Loosely(t, err, should.BeNil)

			back, err := Unmarshal(blob)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, back.Key.Equal(k), should.BeTrue)
			assert.That(t, back.Properties, should.Match(rec.Properties, cmp.Comparer(func(a, b *key.Key) bool {
				return a.Equal(b)
			})))

			again, err := Marshal(back)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, again, should.Match(blob))
		})

		t.Run("binary form keeps interleaved names", func(t *ftt.Test) {
			mixed := &Record{Properties: []Property{
				{Name: "a.b.c", Value: int64(1), Indexed: true, Multiple: true},
				{Name: "a.b", Indexed: true, Multiple: true},
				{Name: "a.b.c", Value: int64(2), Indexed: true, Multiple: true},
			}}
			blob, err := Marshal(mixed)
			assert.Loosely(t, err, should.BeNil)
			back, err := Unmarshal(blob)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, back.Key, should.BeNil)
			assert.Loosely(t, back.Properties, should.Match(mixed.Properties))
		})

		t.Run("bad binary forms", func(t *ftt.Test) {
			_, err := Unmarshal(nil)
			assert.Loosely(t, err, should.ErrLike("reading version"))
			_, err = Unmarshal([]byte{0xff})
			assert.Loosely(t, err, should.NotBeNil)

			blob, err := Marshal(rec)
			assert.Loosely(t, err, should.BeNil)
			_, err = Unmarshal(blob[:len(blob)-1])
			assert.Loosely(t, err, should.ErrLike("record: property #"))
			_, err = Unmarshal(append(blob, 0))
			assert.Loosely(t, err, should.ErrLike("trailing bytes"))
			_, err = Marshal(&Record{Properties: []Property{{Value: int64(1)}}})
			assert.Loosely(t, err, should.ErrLike("without a name"))
		})

		t.Run("repeated values become arrays", func(t *ftt.Test) {
			ent, err := ToEntityPB(rec)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ent.Properties["a.b.c"].GetArrayValue().GetValues(), should.HaveLength(2))
			assert.Loosely(t, ent.Properties["empty"].GetArrayValue().GetValues(), should.HaveLength(0))
			assert.Loosely(t, ent.Properties["blob"].ExcludeFromIndexes, should.BeTrue)
			assert.Loosely(t, ent.Properties["blob"].Meaning, should.Equal(int32(MeaningBlob)))
		})

		t.Run("entity values are flattened", func(t *ftt.Test) {
			ent := &datastorepb.Entity{
				Properties: map[string]*datastorepb.Value{
					"outer": {ValueType: &datastorepb.Value_EntityValue{EntityValue: &datastorepb.Entity{
						Properties: map[string]*datastorepb.Value{
							"b": {ValueType: &datastorepb.Value_IntegerValue{IntegerValue: 2}},
							"a": {ValueType: &datastorepb.Value_StringValue{StringValue: "x"}},
						},
					}}},
				},
			}
			back, err := FromEntityPB(ent)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, back.Key, should.BeNil)
			assert.Loosely(t, back.Names(), should.Match([]string{"outer.a", "outer.b"}))
		})

		t.Run("bad values", func(t *ftt.Test) {
			_, err := ToEntityPB(&Record{Properties: []Property{{Name: "x", Value: 1}}})
			assert.Loosely(t, err, should.ErrLike("unsupported value type int"))
			_, err = ToEntityPB(&Record{Properties: []Property{{Value: int64(1)}}})
			assert.Loosely(t, err, should.ErrLike("without a name"))
			assert.Loosely(t, CheckValue(int32(1)), should.ErrLike("unsupported"))
			assert.Loosely(t, CheckValue(GeoPoint{}), should.BeNil)
		})

		t.Run("GeoPoint", func(t *ftt.Test) {
			assert.Loosely(t, GeoPoint{90, 180}.Valid(), should.BeTrue)
			assert.Loosely(t, GeoPoint{91, 0}.Valid(), should.BeFalse)
			assert.Loosely(t, GeoPoint{0, -181}.Valid(), should.BeFalse)
		})

		t.Run("Meaning", func(t *ftt.Test) {
			assert.Loosely(t, MeaningZlib.String(), should.Equal("ZLIB"))
			assert.Loosely(t, Meaning(99).String(), should.Equal("Meaning(99)"))
		})
	})
}
