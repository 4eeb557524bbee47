// Package web embeds the bundled UI's static assets so the HTTP
// collaborator can serve them without a runtime dependency on a
// filesystem path, replacing the original's manual send_file whitelist.
package web

import "embed"

//go:embed litter.html litter.css litter.js
var FS embed.FS
