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
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/ndb/internal/zlib"
	"go.chromium.org/ndb/key"
	"go.chromium.org/ndb/record"
)

func findProp(rec *record.Record, name string) (record.Property, bool) {
	for _, p := range rec.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return record.Property{}, false
}

func TestPropertyValues(t *testing.T) {
	t.Parallel()

	ftt.Run("Property values", t, func(t *ftt.Test) {
		ctx := context.Background()
		r := NewRegistry()
		thing, err := r.Define("Thing",
			String("name", Required()),
			Integer("count"),
			Float("ratio"),
			Boolean("ok"),
			String("tags", Repeated()),
			String("color", Choices("red", "blue")),
			String("upper", Validator(func(p *Property, v any) (any, error) {
				return strings.ToUpper(v.(string)), nil
			})),
			Integer("level", Default(7)),
			Text("bio", Compressed()),
			Blob("raw"),
			Blob("short", Indexed(true)),
			DateTime("when"),
			Date("day"),
			Time("clock"),
			GeoPt("where"),
			Key("owner", KeyKind("Person")),
		)
		assert.Loosely(t, err, should.BeNil)

		roundTrip := func(e *Entity) *Entity {
			rec, err := e.ToRecord(ToRecordOptions{})
			assert.Loosely(t, err, should.BeNil)
			blob, err := record.Marshal(rec)
			assert.Loosely(t, err, should.BeNil)
			back, err := record.Unmarshal(blob)
			assert.Loosely(t, err, should.BeNil)
			out, err := thing.FromRecord(ctx, back)
			assert.Loosely(t, err, should.BeNil)
			return out
		}

		t.Run("scalars", func(t *ftt.Test) {
			e, err := thing.New(map[string]any{"name": "a", "count": int32(3), "ratio": 2, "ok": true})
			assert.Loosely(t, err, should.BeNil)

			v, err := e.Get("count")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, v, should.Equal(int64(3)))
			v, _ = e.Get("ratio")
			assert.Loosely(t, v, should.Equal(2.0))

			assert.Loosely(t, e.Set("count", "x"), should.ErrLike("expected integer"))
			assert.Loosely(t, e.Set("ok", 1), should.ErrLike("expected bool"))
			assert.Loosely(t, e.Set("name", 1), should.ErrLike("expected string"))

			back := roundTrip(e)
			assert.Loosely(t, back.Equal(e), should.BeTrue)
			v, _ = back.Get("count")
			assert.Loosely(t, v, should.Equal(int64(3)))
		})

		t.Run("default", func(t *ftt.Test) {
			e, err := thing.New(map[string]any{"name": "a"})
			assert.Loosely(t, err, should.BeNil)
			v, _ := e.Get("level")
			assert.Loosely(t, v, should.Equal(7))
			assert.Loosely(t, e.Set("level", 8), should.BeNil)
			v, _ = e.Get("level")
			assert.Loosely(t, v, should.Equal(int64(8)))
		})

		t.Run("choices and validator", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a"})
			assert.Loosely(t, e.Set("color", "green"), should.ErrLike("not an allowed choice"))
			assert.Loosely(t, e.Set("color", "red"), should.BeNil)
			assert.Loosely(t, e.Set("upper", "abc"), should.BeNil)
			v, _ := e.Get("upper")
			assert.Loosely(t, v, should.Equal("ABC"))
		})

		t.Run("repeated", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a"})

			v, err := e.Get("tags")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, v, should.Match([]any{}))

			assert.Loosely(t, e.Set("tags", "x"), should.ErrLike("expected list"))
			assert.Loosely(t, e.Set("tags", []byte("x")), should.ErrLike("expected list"))
			assert.Loosely(t, e.Set("tags", []string{"a", "b"}), should.BeNil)
			assert.Loosely(t, e.Set("tags", []any{"c", 1}), should.ErrLike("expected string"))

			v, _ = e.Get("tags")
			assert.Loosely(t, v, should.Match([]any{"a", "b"}))
			back := roundTrip(e)
			v, _ = back.Get("tags")
			assert.Loosely(t, v, should.Match([]any{"a", "b"}))

			t.Run("empty list", func(t *ftt.Test) {
				assert.Loosely(t, e.Set("tags", []string{}), should.BeNil)
				rec, err := e.ToRecord(ToRecordOptions{})
				assert.Loosely(t, err, should.BeNil)
				_, found := findProp(rec, "tags")
				assert.Loosely(t, found, should.BeFalse)

				back := roundTrip(e)
				v, _ := back.Get("tags")
				assert.Loosely(t, v, should.Match([]any{}))
				assert.Loosely(t, back.Equal(e), should.BeTrue)
			})
		})

		t.Run("required", func(t *ftt.Test) {
			e, _ := thing.New(nil)
			_, err := e.ToRecord(ToRecordOptions{})
			assert.Loosely(t, err, should.ErrLike("uninitialized properties: name"))
			_, isBadValue := err.(*BadValueError)
			assert.Loosely(t, isBadValue, should.BeTrue)

			_, err = e.ToRecord(ToRecordOptions{AllowPartial: true})
			assert.Loosely(t, err, should.BeNil)
		})

		t.Run("compressed text", func(t *ftt.Test) {
			long := strings.Repeat("lorem ipsum ", 1000)
			e, _ := thing.New(map[string]any{"name": "a", "bio": long})

			rec, err := e.ToRecord(ToRecordOptions{})
			assert.Loosely(t, err, should.BeNil)
			p, _ := findProp(rec, "bio")
			assert.Loosely(t, p.Meaning, should.Equal(record.MeaningZlib))
			assert.Loosely(t, p.Indexed, should.BeFalse)
			assert.Loosely(t, zlib.HasHeader(p.Value.([]byte)), should.BeTrue)
			assert.Loosely(t, len(p.Value.([]byte)), should.BeLessThan(len(long)))

			back := roundTrip(e)
			v, _ := back.Get("bio")
			assert.Loosely(t, v, should.Equal(long))
		})

		t.Run("indexed length limit", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a"})
			assert.Loosely(t, e.Set("short", make([]byte, 1501)), should.ErrLike("at most 1500 bytes"))
			assert.Loosely(t, e.Set("raw", make([]byte, 1501)), should.BeNil)
			assert.Loosely(t, e.Set("name", strings.Repeat("x", 1501)), should.ErrLike("at most 1500 bytes"))
			assert.Loosely(t, e.Set("bio", strings.Repeat("x", 1501)), should.BeNil)
		})

		t.Run("blob meanings", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a", "raw": []byte("r"), "short": []byte("s")})
			rec, err := e.ToRecord(ToRecordOptions{})
			assert.Loosely(t, err, should.BeNil)
			p, _ := findProp(rec, "raw")
			assert.Loosely(t, p.Meaning, should.Equal(record.MeaningBlob))
			p, _ = findProp(rec, "short")
			assert.Loosely(t, p.Meaning, should.Equal(record.MeaningByteString))
			p, _ = findProp(rec, "name")
			assert.Loosely(t, p.Value, should.Equal("a"))
			assert.Loosely(t, p.Meaning, should.Equal(record.NoMeaning))
		})

		t.Run("times", func(t *ftt.Test) {
			when := time.Date(2000, 1, 2, 3, 4, 5, 6789, time.FixedZone("x", 3600))
			e, err := thing.New(map[string]any{
				"name":  "a",
				"when":  when,
				"day":   civil.Date{Year: 2024, Month: 3, Day: 4},
				"clock": civil.Time{Hour: 1, Minute: 2, Second: 3, Nanosecond: 4567},
			})
			assert.Loosely(t, err, should.BeNil)

			v, _ := e.Get("when")
			assert.That(t, v.(time.Time), should.Match(time.Date(2000, 1, 2, 2, 4, 5, 6000, time.UTC)))
			assert.Loosely(t, v.(time.Time).Location(), should.Equal(time.UTC))

			rec, err := e.ToRecord(ToRecordOptions{})
			assert.Loosely(t, err, should.BeNil)
			p, _ := findProp(rec, "day")
			assert.That(t, p.Value.(time.Time), should.Match(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)))
			p, _ = findProp(rec, "clock")
			assert.That(t, p.Value.(time.Time), should.Match(time.Date(1970, 1, 1, 1, 2, 3, 4000, time.UTC)))

			back := roundTrip(e)
			v, _ = back.Get("day")
			assert.Loosely(t, v, should.Equal(civil.Date{Year: 2024, Month: 3, Day: 4}))
			v, _ = back.Get("clock")
			assert.Loosely(t, v, should.Equal(civil.Time{Hour: 1, Minute: 2, Second: 3, Nanosecond: 4000}))
			assert.Loosely(t, back.Equal(e), should.BeTrue)

			assert.Loosely(t, e.Set("day", civil.Date{Year: 2024, Month: 2, Day: 30}), should.ErrLike("invalid date"))
			assert.Loosely(t, e.Set("when", "now"), should.ErrLike("expected time.Time"))

			t.Run("microsecond integers", func(t *ftt.Test) {
				usec := time.Date(2000, 1, 2, 2, 4, 5, 6000, time.UTC).UnixMicro()
				loaded, err := thing.FromRecord(ctx, &record.Record{Properties: []record.Property{
					{Name: "name", Value: "a", Indexed: true},
					{Name: "when", Value: usec, Indexed: true, Meaning: record.MeaningGDWhen},
				}})
				assert.Loosely(t, err, should.BeNil)
				v, _ := loaded.Get("when")
				assert.That(t, v.(time.Time), should.Match(time.Date(2000, 1, 2, 2, 4, 5, 6000, time.UTC)))

				rec, err := loaded.ToRecord(ToRecordOptions{})
				assert.Loosely(t, err, should.BeNil)
				p, _ := findProp(rec, "when")
				assert.That(t, p.Value.(time.Time), should.Match(time.UnixMicro(usec).UTC()))
			})
		})

		t.Run("keys", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a"})
			assert.Loosely(t, e.Set("owner", key.New("app", "", "Person", "", 0, nil)), should.ErrLike("expected complete key"))
			assert.Loosely(t, e.Set("owner", key.New("app", "", "Other", "x", 0, nil)), should.ErrLike(`kind="Person"`))
			assert.Loosely(t, e.Set("owner", "Person/x"), should.ErrLike("expected *key.Key"))

			owner := key.New("app", "", "Person", "x", 0, nil)
			assert.Loosely(t, e.Set("owner", owner), should.BeNil)
			back := roundTrip(e)
			v, _ := back.Get("owner")
			assert.Loosely(t, v.(*key.Key).Equal(owner), should.BeTrue)
		})

		t.Run("geo points", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a"})
			assert.Loosely(t, e.Set("where", record.GeoPoint{Lat: 100}), should.ErrLike("invalid GeoPoint"))
			assert.Loosely(t, e.Set("where", record.GeoPoint{Lat: 48.8, Lng: 2.3}), should.BeNil)
			back := roundTrip(e)
			v, _ := back.Get("where")
			assert.Loosely(t, v, should.Equal(record.GeoPoint{Lat: 48.8, Lng: 2.3}))
		})

		t.Run("storage value", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a", "tags": []string{"x"}})
			v, err := thing.byCode["name"].GetStorageValue(e)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, v, should.Match([]byte("a")))
			v, err = thing.byCode["tags"].GetStorageValue(e)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, v, should.Match([]any{[]byte("x")}))

			// Reading converts back to user form.
			got, _ := e.Get("name")
			assert.Loosely(t, got, should.Equal("a"))
		})

		t.Run("delete", func(t *ftt.Test) {
			e, _ := thing.New(map[string]any{"name": "a", "count": 1})
			assert.Loosely(t, e.Delete("count"), should.BeNil)
			v, err := e.Get("count")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, v, should.BeNil)
		})
	})
}

func TestPropertyDefinitions(t *testing.T) {
	t.Parallel()

	ftt.Run("Property definitions", t, func(t *ftt.Test) {
		r := NewRegistry()

		t.Run("problems", func(t *ftt.Test) {
			_, err := r.Define("P1", String("x", Repeated(), Required()))
			assert.Loosely(t, err, should.ErrLike("repeated is incompatible"))
			_, err = r.Define("P1", Integer("x", Repeated(), Default(1)))
			assert.Loosely(t, err, should.ErrLike("repeated is incompatible"))
			_, err = r.Define("P1", Blob("x", Compressed(), Indexed(true)))
			assert.Loosely(t, err, should.ErrLike("not implemented"))
			_, isNotImpl := err.(*NotImplementedError)
			assert.Loosely(t, isNotImpl, should.BeTrue)
			_, err = r.Define("P1", String("x", Compressed()))
			assert.Loosely(t, err, should.BeNil)
			_, err = r.Define("P2", DateTime("x", AutoNow(), Repeated()))
			assert.Loosely(t, err, should.ErrLike("no point"))
			_, err = r.Define("P2", Integer("x", AutoNow()))
			assert.Loosely(t, err, should.ErrLike("auto_now is only supported"))
			_, err = r.Define("P2", String("a.b"))
			assert.Loosely(t, err, should.ErrLike("period"))
			_, err = r.Define("P2", String("x", Name("y.z")))
			assert.Loosely(t, err, should.ErrLike("period"))
			_, err = r.Define("P2", String("_x"))
			assert.Loosely(t, err, should.ErrLike("reserved"))
			_, err = r.Define("P2", String("key"))
			assert.Loosely(t, err, should.ErrLike("named key"))
			_, err = r.Define("P2", String("x"), Integer("x"))
			assert.Loosely(t, err, should.ErrLike("duplicate"))
			_, err = r.Define("P2", String("x"), Integer("y", Name("x")))
			assert.Loosely(t, err, should.ErrLike("duplicate storage name"))
		})

		t.Run("bound once", func(t *ftt.Test) {
			p := String("x")
			_, err := r.Define("Bound1", p)
			assert.Loosely(t, err, should.BeNil)
			_, err = r.Define("Bound2", p)
			assert.Loosely(t, err, should.ErrLike("already bound"))
			assert.Loosely(t, p.Owner().Name(), should.Equal("Bound1"))
		})

		t.Run("failed definition binds nothing", func(t *ftt.Test) {
			p := String("x")
			_, err := r.Define("Failed", p, String("bad", Repeated(), Required()))
			assert.Loosely(t, err, should.NotBeNil)
			assert.Loosely(t, p.Owner(), should.BeNil)
			_, err = r.Lookup("Failed")
			assert.Loosely(t, err, should.ErrLike("no model class found"))
		})

		t.Run("storage names", func(t *ftt.Test) {
			k, err := r.Define("Stored", String("title", Name("t")))
			assert.Loosely(t, err, should.BeNil)
			p, ok := k.Property("title")
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, p.Name(), should.Equal("t"))
			assert.Loosely(t, p.CodeName(), should.Equal("title"))

			e, _ := k.New(map[string]any{"title": "x"})
			rec, err := e.ToRecord(ToRecordOptions{})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, rec.Names(), should.Match([]string{"t"}))
			d, err := e.ToDict(ToDictOptions{})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, d, should.Match(map[string]any{"title": "x"}))
		})

		t.Run("String", func(t *ftt.Test) {
			assert.Loosely(t, String("x", Repeated()).String(), should.Equal(`StringProperty("x", repeated)`))
			assert.Loosely(t, Text("x").String(), should.Equal(`TextProperty("x")`))
			assert.Loosely(t, Blob("x", Indexed(true)).String(), should.Equal(`BlobProperty("x", indexed=true)`))
		})
	})
}
