// Package dashboard embeds the placeholder for the operator-facing SPA
// bundle. The bundle itself is an external collaborator outside this
// module's scope; this package only carries the serving contract (an
// fs.FS) that internal/httpapi's SPA fallback depends on.
package dashboard

import (
	"embed"
	"io/fs"
)

//go:embed assets
var embedded embed.FS

// FS returns the dashboard's static assets rooted at "assets".
func FS() fs.FS {
	sub, err := fs.Sub(embedded, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}
