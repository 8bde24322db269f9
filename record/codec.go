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
	"bytes"
	"io"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/luci/common/data/cmpbin"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/ndb/key"
)

const codecVersion = 1

const flagMultiple = 1 << 0

// Marshal serializes the record into its binary form.
//
// Unlike ToEntityPB, the binary form keeps the exact order of the
// properties: values of different names may interleave, which is what
// places the fields of repeated structured values into the right
// sub-entities. Each value is stored as a datastorepb.Value.
//
// The output is deterministic for a given record.
func Marshal(r *Record) ([]byte, error) {
	buf := &bytes.Buffer{}
	cmpbin.WriteUint(buf, codecVersion)

	var kb []byte
	if r.Key != nil {
		var err error
		if kb, err = proto.MarshalOptions{Deterministic: true}.Marshal(r.Key.ToPB()); err != nil {
			return nil, errors.Annotate(err, "record: marshaling key").Err()
		}
	}
	cmpbin.WriteBytes(buf, kb)

	cmpbin.WriteUint(buf, uint64(len(r.Properties)))
	for _, p := range r.Properties {
		if p.Name == "" {
			return nil, errors.New("record: property without a name")
		}
		v, err := valueToPB(p)
		if err != nil {
			return nil, err
		}
		vb, err := proto.MarshalOptions{Deterministic: true}.Marshal(v)
		if err != nil {
			return nil, errors.Annotate(err, "record: marshaling %q", p.Name).Err()
		}
		var flags uint64
		if p.Multiple {
			flags |= flagMultiple
		}
		cmpbin.WriteString(buf, p.Name)
		cmpbin.WriteUint(buf, flags)
		cmpbin.WriteBytes(buf, vb)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a record produced by Marshal.
func Unmarshal(blob []byte) (*Record, error) {
	buf := bytes.NewReader(blob)
	vers, _, err := cmpbin.ReadUint(buf)
	switch {
	case err != nil:
		return nil, errors.Annotate(err, "record: reading version").Err()
	case vers != codecVersion:
		return nil, errors.Reason("record: unknown version %d", vers).Err()
	}

	ret := &Record{}
	kb, _, err := cmpbin.ReadBytes(buf)
	if err != nil {
		return nil, errors.Annotate(err, "record: reading key").Err()
	}
	// Key is absent in records of local structured values.
	if len(kb) > 0 {
		kpb := &datastorepb.Key{}
		if err := proto.Unmarshal(kb, kpb); err != nil {
			return nil, errors.Annotate(err, "record: bad key").Err()
		}
		if ret.Key, err = key.FromPB(kpb); err != nil {
			return nil, err
		}
	}

	n, _, err := cmpbin.ReadUint(buf)
	if err != nil {
		return nil, errors.Annotate(err, "record: reading property count").Err()
	}
	if n > uint64(len(blob)) {
		return nil, errors.Reason("record: bad property count %d", n).Err()
	}
	ret.Properties = make([]Property, 0, n)
	for i := uint64(0); i < n; i++ {
		p, err := readProperty(buf)
		if err != nil {
			return nil, errors.Annotate(err, "record: property #%d", i).Err()
		}
		ret.Add(p)
	}
	if buf.Len() != 0 {
		return nil, errors.Reason("record: %d trailing bytes", buf.Len()).Err()
	}
	return ret, nil
}

func readProperty(buf io.ByteReader) (Property, error) {
	name, _, err := cmpbin.ReadString(buf)
	if err != nil {
		return Property{}, err
	}
	if name == "" {
		return Property{}, errors.New("property without a name")
	}
	flags, _, err := cmpbin.ReadUint(buf)
	if err != nil {
		return Property{}, err
	}
	vb, _, err := cmpbin.ReadBytes(buf)
	if err != nil {
		return Property{}, err
	}
	v := &datastorepb.Value{}
	if err := proto.Unmarshal(vb, v); err != nil {
		return Property{}, errors.Annotate(err, "bad value of %q", name).Err()
	}
	val, err := valueFromPB(name, v)
	if err != nil {
		return Property{}, err
	}
	return Property{
		Name:     name,
		Value:    val,
		Indexed:  !v.ExcludeFromIndexes,
		Multiple: flags&flagMultiple != 0,
		Meaning:  Meaning(v.Meaning),
	}, nil
}
