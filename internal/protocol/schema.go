package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"io/fs"
	"path"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	TypeHello:    "hello.schema.json",
	TypeSetup:    "setup.schema.json",
	TypeDelta:    "delta.schema.json",
	TypeCommands: "commands.schema.json",
	TypeError:    "error.schema.json",
}

// Validator checks raw messages against the wire schemas.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, eris.Wrap(err, "read schemas")
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, eris.Wrapf(err, "read %s", e.Name())
		}
		if err := c.AddResource(e.Name(), bytes.NewReader(b)); err != nil {
			return nil, eris.Wrapf(err, "add %s", e.Name())
		}
	}
	v := &Validator{byType: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for typ, name := range schemaFiles {
		s, err := c.Compile(name)
		if err != nil {
			return nil, eris.Wrapf(err, "compile %s", name)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate checks msg against the schema for its type.
func (v *Validator) Validate(msg []byte) error {
	base, err := DecodeBase(msg)
	if err != nil {
		return eris.Wrap(err, "decode")
	}
	s, ok := v.byType[base.Type]
	if !ok {
		return eris.Errorf("unknown message type %q", base.Type)
	}
	var doc any
	if err := json.Unmarshal(msg, &doc); err != nil {
		return eris.Wrap(err, "decode")
	}
	if err := s.Validate(doc); err != nil {
		return eris.Wrapf(err, "%s", base.Type)
	}
	return nil
}
