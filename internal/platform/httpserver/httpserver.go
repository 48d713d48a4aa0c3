package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults. WriteTimeout is left unset
// because export responses stream for as long as the scan takes.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
