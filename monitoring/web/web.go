// Package web holds the dashboard page of the profiler monitor.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// DevEnvVar switches the monitor to serving the page from disk. It accepts
// "1" or "true" for the source tree, or the path of a directory.
const DevEnvVar = "OPPROF_MONITOR_DEV"

//go:embed dist/*
var dashboard embed.FS

// Assets returns the files of the dashboard.
func Assets(logger zerolog.Logger) http.FileSystem {
	if dir, ok := devDir(); ok {
		logger.Info().Str("dir", dir).Msg("serving monitor page from disk")
		return http.Dir(dir)
	}

	sub, err := fs.Sub(dashboard, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(sub)
}

// Handler serves the dashboard. Pages served from disk are never cached so
// that edits show up on reload.
func Handler(logger zerolog.Logger) http.Handler {
	files := http.FileServer(Assets(logger))

	if _, ok := devDir(); !ok {
		return files
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		files.ServeHTTP(w, r)
	})
}

func devDir() (string, bool) {
	value, ok := os.LookupEnv(DevEnvVar)
	if !ok {
		return "", false
	}

	switch strings.ToLower(value) {
	case "", "0", "false":
		return "", false
	case "1", "true":
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			panic("cannot locate the monitor page sources")
		}

		return filepath.Join(filepath.Dir(file), "dist"), true
	}

	if info, err := os.Stat(value); err == nil && info.IsDir() {
		return value, true
	}

	return "", false
}
