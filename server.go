package oauth

import (
	"log/slog"

	"github.com/giantswarm/oauth-authz/server"
	"github.com/giantswarm/oauth-authz/token"
)

// Server is the protocol core served by Handler.
type Server = server.Server

// NewServer creates the protocol core. It is a shortcut for server.New so
// that most programs only import this package.
func NewServer(stores server.Stores, signer token.Signer, config *server.Config, logger *slog.Logger, opts ...server.Option) (*Server, error) {
	return server.New(stores, signer, config, logger, opts...)
}
