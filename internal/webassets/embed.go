// Package webassets embeds the dashboard's static files into the binary so
// the server ships as a single artifact.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed dashboard
var embedded embed.FS

// DashboardFS returns the dashboard assets rooted at the directory holding
// index.html.
func DashboardFS() fs.FS {
	sub, err := fs.Sub(embedded, "dashboard")
	if err != nil {
		panic(fmt.Errorf("webassets: dashboard subfs: %w", err))
	}
	return sub
}
