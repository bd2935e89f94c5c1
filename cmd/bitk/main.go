// Package main is the unified entry point for bitk. One binary runs the
// issue engine, the HTTP/SSE gateway, and the WebSocket gateway together
// over shared infrastructure.
//
// Usage:
//
//	bitk [serve]     run the server (default)
//	bitk db:reset    delete the SQLite database and its sidecar files
//	bitk version     print the build version
package main

import (
	"fmt"
	"os"
)

// version is stamped at build time via ldflags.
var version = "dev"

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		runServe()
	case "db:reset":
		runDBReset()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: bitk [serve|db:reset|version]\n", cmd)
		os.Exit(2)
	}
}
