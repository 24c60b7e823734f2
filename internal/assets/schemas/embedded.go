// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// ManifestSchema is the embedded project-manifest JSON schema.
//
// This lets `autoloop manifest schema` and editor integrations work in
// installed binaries without requiring the schema file on disk.
//
//go:embed manifest.schema.json
var ManifestSchema []byte
