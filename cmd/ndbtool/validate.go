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

package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"
	"google.golang.org/protobuf/encoding/protojson"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/ndb/model"
	"go.chromium.org/ndb/record"
	"go.chromium.org/ndb/schema"
)

const (
	formatRecord     = "record"
	formatEntityJSON = "entity-json"
)

func cmdValidate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "validate -schema <schema.yaml> -kind <Kind> [-out <file>] <entity.json>",
		ShortDesc: "checks a JSON entity against the schema",
		LongDesc: `Checks a JSON entity against the schema.

The entity is built the same way the model package builds one from
constructor arguments, validated, prepared for writing (auto_now values and
computed properties are filled in) and serialized. With -out, the result is
written as a binary record, or as Cloud Datastore entity JSON with
-format entity-json.`,
		CommandRun: func() subcommands.CommandRun {
			r := &validateRun{}
			r.registerBaseFlags()
			r.Flags.StringVar(&r.kind, "kind", "", "Kind of the entity. Required.")
			r.Flags.StringVar(&r.out, "out", "", "Path to write the serialized entity to.")
			r.Flags.StringVar(&r.format, "format", formatRecord, "Output format: record or entity-json.")
			return r
		},
	}
}

type validateRun struct {
	baseRun

	kind   string
	out    string
	format string
}

func (r *validateRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	switch {
	case len(args) != 1:
		return r.argErr("expecting exactly one JSON file")
	case r.kind == "":
		return r.argErr("-kind is required")
	case r.format != formatRecord && r.format != formatEntityJSON:
		return r.argErr("unknown -format %q", r.format)
	}
	return r.done(ctx, r.run(ctx, args[0]))
}

func (r *validateRun) run(ctx context.Context, path string) error {
	reg, err := r.loadSchema(ctx)
	if err != nil {
		return err
	}
	input, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	e, rec, err := buildRecord(ctx, reg, r.kind, input)
	if err != nil {
		return errors.Annotate(err, "%s", path).Err()
	}
	blob, err := encodeRecord(rec, r.format)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "%s is valid (%s, %d properties)", e, humanize.Bytes(uint64(len(blob))), len(rec.Properties))
	if r.out == "" {
		return nil
	}
	return os.WriteFile(r.out, blob, 0644)
}

// buildRecord builds an entity of the given kind from a JSON object and
// serializes it.
func buildRecord(ctx context.Context, reg *model.Registry, kind string, input []byte) (*model.Entity, *record.Record, error) {
	k, err := reg.Lookup(kind)
	if err != nil {
		return nil, nil, err
	}
	var in map[string]any
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, errors.Annotate(err, "bad JSON").Err()
	}
	args, err := schema.ConvertEntity(k, in)
	if err != nil {
		return nil, nil, err
	}
	e, err := k.New(args)
	if err != nil {
		return nil, nil, err
	}
	if err := e.PrepareForPut(ctx); err != nil {
		return nil, nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, nil, err
	}
	rec, err := e.ToRecord(model.ToRecordOptions{})
	if err != nil {
		return nil, nil, err
	}
	return e, rec, nil
}

func encodeRecord(rec *record.Record, format string) ([]byte, error) {
	if format == formatRecord {
		return record.Marshal(rec)
	}
	pb, err := record.ToEntityPB(rec)
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true}.Marshal(pb)
}
