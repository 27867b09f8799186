package opshttp

import (
	"net/http"

	"github.com/keithlinneman/fileguard/internal/health"
)

// Options configures the ops listener. It never serves the file API.
type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, e.g. to bump the panics counter
}
