// Package assets embeds the browser client of the wizard.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed client/*
var clientFS embed.FS

// ClientFS returns the embedded client files
func ClientFS() fs.FS {
	sub, err := fs.Sub(clientFS, "client")
	if err != nil {
		panic(err)
	}
	return sub
}

// GetClientJS returns the browser script that forwards gestures over the
// websocket and applies view messages.
func GetClientJS() ([]byte, error) {
	return clientFS.ReadFile("client/wizard.js")
}

// GetClientCSS returns the wizard stylesheet
func GetClientCSS() ([]byte, error) {
	return clientFS.ReadFile("client/wizard.css")
}
