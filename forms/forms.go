// Package forms embeds the default form schemas. FORMS_DIR replaces them at
// runtime.
package forms

import "embed"

//go:embed *.json *.yaml
var FS embed.FS
