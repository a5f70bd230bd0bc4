// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so project files validate the same way
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// ProjectSchema is the embedded golade project-file JSON schema.
//
//go:embed project.schema.json
var ProjectSchema []byte
