// Package schemas ships the default JSON schema document of every dataset kind.
// A deployment can replace them by pointing SCHEMA_DIR at a directory holding
// files with the same names.
package schemas

import "embed"

// FS holds <kind>.schema.json for every registered dataset kind.
//
//go:embed *.schema.json
var FS embed.FS
