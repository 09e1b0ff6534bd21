package server

import (
	"context"
	"net"

	"github.com/kstaniek/go-bxcan/internal/cnl"
)

// CannelloniHandshake runs the hello exchange every client must complete
// before frames flow.
func (s *Server) CannelloniHandshake(ctx context.Context, c net.Conn) error {
	return cnl.Handshake(ctx, c, s.handshakeTimeout)
}
