package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/fileguard/internal/httpmw"
	"github.com/keithlinneman/fileguard/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, e.g. to bump the panics counter
	MetricsMW    httpmw.Middleware
	ClientIPOpts httpmw.ClientIPOptions

	// APIRoutes mounts the file API. Every route it registers carries its own
	// rate limit category middleware. Health and readiness are not served
	// here; they live on the ops listener, which refuses public peers.
	APIRoutes func(chi.Router)

	// MaxBodyBytes caps any request body; 0 means DefaultMaxBodyBytes.
	// Must be at least the upload limit or uploads are refused here first.
	MaxBodyBytes int64

	// TransferTimeout overrides the read and write timeouts so large
	// uploads and downloads are not cut off; 0 keeps the defaults.
	TransferTimeout time.Duration
}
