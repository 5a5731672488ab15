package casedef

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/mod/semver"
)

//go:embed case.schema.json
var caseSchemaJSON []byte

const caseSchemaURL = "schema://medsim/case.schema.json"

// SupportedMajor is the case document major version this build understands.
const SupportedMajor = "v1"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// documentSchema compiles the embedded case schema once per process.
func documentSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var def any
		if err := json.Unmarshal(caseSchemaJSON, &def); err != nil {
			compileErr = fmt.Errorf("parse case schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(caseSchemaURL, def); err != nil {
			compileErr = fmt.Errorf("add case schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(caseSchemaURL)
	})
	return compiledSchema, compileErr
}

// validateDocument checks a decoded JSON value against the case schema.
func validateDocument(doc any) error {
	sch, err := documentSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// checkSchemaVersion accepts "v1", "v1.2", "1.2.0" and similar, as long as
// the major version is supported.
func checkSchemaVersion(v string) error {
	canon := strings.TrimSpace(v)
	if !strings.HasPrefix(canon, "v") {
		canon = "v" + canon
	}
	if !semver.IsValid(canon) {
		return fmt.Errorf("schemaVersion %q is not a semantic version", v)
	}
	if semver.Major(canon) != SupportedMajor {
		return fmt.Errorf("schemaVersion %q is not supported (want %s.x)", v, SupportedMajor)
	}
	return nil
}
