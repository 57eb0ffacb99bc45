// Package server builds the http.Server that exposes the feed surface to the
// rendering layer.
package server

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"
)

// New returns a server for the feed routes, ready for ListenAndServe.
func New(addr string, router *ginext.Engine) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: router,
	}
}
