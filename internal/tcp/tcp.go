// Package tcp carries sessions over a plain TCP stream, for endpoints that
// sit behind a TLS-terminating proxy or run on a trusted network.
package tcp

import (
	"context"
	"net"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/transport"
	"github.com/daedalus/daedalus_client/internal/util"
)

const Protocol = "tcp"

type Dialer struct{}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context, opts transport.ConnectionOptions) (transport.Session, error) {
	addr := opts.Address()
	util.Debug(i18n.T("tcp_dialing", map[string]any{"Address": addr}), nil)

	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return transport.NewStreamSession(conn), nil
}

func Register() {
	transport.RegisterTransport(Protocol, NewDialer())
}
