// ABOUTME: Embeds the web chat HTML templates into the binary.
// ABOUTME: Provides templateFS for rendering at runtime.

package webchat

import "embed"

//go:embed templates/*.html
var templateFS embed.FS
