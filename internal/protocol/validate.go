package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrInvalid     = errors.New("protocol: schema violation")
)

var schemaFiles = map[string]string{
	TypeHello:       "hello.schema.json",
	TypeWelcome:     "welcome.schema.json",
	TypeChunkLoad:   "chunk_load.schema.json",
	TypeChunkLoaded: "chunk_loaded.schema.json",
	TypeChunkUnload: "chunk_unload.schema.json",
	TypePlace:       "place.schema.json",
	TypePlaceResult: "place_result.schema.json",
	TypeBreak:       "break.schema.json",
	TypeBreakResult: "break_result.schema.json",
	TypeTick:        "tick.schema.json",
	TypeError:       "error.schema.json",
}

const schemaBase = "https://chunkcap.ai/schemas/"

// Validator checks messages against the embedded JSON schemas. It is safe
// for concurrent use once built.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range schemaFiles {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	v := &Validator{byType: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate decodes the routing header of raw and checks the whole message
// against the schema for its type.
func (v *Validator) Validate(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return base, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s, ok := v.byType[base.Type]
	if !ok {
		return base, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return base, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.Validate(doc); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return base, nil
}

// ValidateMessage marshals msg and validates the result. Used for outbound
// messages in tests and debug builds.
func (v *Validator) ValidateMessage(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = v.Validate(raw)
	return err
}
