// Package web holds the dashboard served at "/".
package web

import "embed"

// FS contains the page, its stylesheet and script.
//
//go:embed *.html *.css *.js
var FS embed.FS
