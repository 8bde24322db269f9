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

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/ndb/model"
	"go.chromium.org/ndb/record"
	"go.chromium.org/ndb/schema"
)

func cmdDump() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "dump -schema <schema.yaml> <entity.pb>",
		ShortDesc: "prints a binary record as JSON",
		LongDesc: `Prints a binary record as JSON.

The record is loaded into an entity of the kind named by its key, so the
output uses property code names and user values. The output can be fed
back to the validate subcommand.`,
		CommandRun: func() subcommands.CommandRun {
			r := &dumpRun{}
			r.registerBaseFlags()
			return r
		},
	}
}

type dumpRun struct {
	baseRun
}

func (r *dumpRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 1 {
		return r.argErr("expecting exactly one record file")
	}
	return r.done(ctx, r.run(ctx, args[0]))
}

func (r *dumpRun) run(ctx context.Context, path string) error {
	reg, err := r.loadSchema(ctx)
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out, err := dumpRecord(ctx, reg, blob)
	if err != nil {
		return errors.Annotate(err, "%s", path).Err()
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}

// dumpRecord decodes a binary record into indented JSON.
func dumpRecord(ctx context.Context, reg *model.Registry, blob []byte) ([]byte, error) {
	rec, err := record.Unmarshal(blob)
	if err != nil {
		return nil, err
	}
	e, err := reg.FromRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if p := e.Projection(); len(p) > 0 {
		logging.Warningf(ctx, "%s is a projection of %v", e.Key(), p)
	}
	m, err := schema.Export(e)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(m, "", "  ")
}
