package api

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var staticFiles embed.FS

// Dashboard returns the embedded dashboard files, rooted so that index.html
// is served at /.
func Dashboard() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
