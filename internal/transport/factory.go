package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

const DefaultProtocol = "ssh"

var (
	registryMu        sync.RWMutex
	transportRegistry = make(map[string]Dialer)
)

func RegisterTransport(protocol string, dialer Dialer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	transportRegistry[protocol] = dialer
}

func lookupTransport(protocol string) (Dialer, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := transportRegistry[protocol]
	return d, ok
}

// Preflight checks that opts name a registered transport whose local
// credentials load. Problems are configuration errors, which retrying a
// dial would not fix.
func Preflight(opts ...Option) error {
	options := ApplyOptions(opts...)

	dialer, ok := lookupTransport(options.Protocol)
	if !ok {
		return util.NewError(util.ErrTypeConfig,
			i18n.T("transport_unavailable", map[string]any{"Protocol": options.Protocol}), nil)
	}
	if p, ok := dialer.(Preflighter); ok {
		return p.Preflight(options)
	}
	return nil
}

// Connect dials the endpoint described by opts and, when a Hello is set,
// completes the handshake, all within opts.Timeout. Failed attempts are
// reported as *ConnectError; cancellation of ctx itself is returned as is.
func Connect(ctx context.Context, opts ...Option) (Session, error) {
	options := ApplyOptions(opts...)

	dialer, ok := lookupTransport(options.Protocol)
	if !ok {
		return nil, util.NewError(util.ErrTypeConfig,
			i18n.T("transport_unavailable", map[string]any{"Protocol": options.Protocol}), nil)
	}

	dialCtx := ctx
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	endpoint := options.Protocol + "://" + options.Address()

	sess, err := dialer.Dial(dialCtx, options)
	if err != nil {
		return nil, connectFailure(ctx, endpoint, err)
	}

	if options.Hello != nil {
		if err := Handshake(dialCtx, sess, *options.Hello); err != nil {
			_ = sess.Close()
			return nil, connectFailure(ctx, endpoint, err)
		}
	}

	return sess, nil
}

func connectFailure(ctx context.Context, endpoint string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return ClassifyDialError(endpoint, err)
}

// Handshake announces the client and waits for the remote's verdict. A
// rejection is reported as a refused connect.
func Handshake(ctx context.Context, sess Session, hello Hello) error {
	if err := sess.Send(ctx, Message{Type: TypeHello, Hello: &hello}); err != nil {
		return err
	}

	reply, err := sess.Receive(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ConnectError{Kind: ConnectTimeout, Err: err}
		}
		return err
	}

	switch reply.Type {
	case TypeWelcome:
		return nil
	case TypeError:
		var cause error = ErrConnectRefused
		if reply.Error != nil {
			cause = reply.Error
		}
		return &ConnectError{Kind: ConnectRefused, Err: cause}
	default:
		return &ConnectError{Kind: ConnectRefused, Err: ErrUnexpectedMessage}
	}
}

type endpointConnector struct {
	opts []Option
}

// NewConnector binds opts so every Connect call targets the same endpoint.
func NewConnector(opts ...Option) Connector {
	return &endpointConnector{opts: opts}
}

func (c *endpointConnector) Connect(ctx context.Context) (Session, error) {
	return Connect(ctx, c.opts...)
}

type failoverConnector struct {
	connectors []Connector
}

// NewFailoverConnector tries connectors in order on every Connect and
// returns the first session. An attempt that fails with a *ConnectError
// moves on to the next connector; any other error ends the attempt. When
// all of them fail the last ConnectError is returned.
func NewFailoverConnector(connectors ...Connector) Connector {
	if len(connectors) == 1 {
		return connectors[0]
	}
	return &failoverConnector{connectors: connectors}
}

func (c *failoverConnector) Connect(ctx context.Context) (Session, error) {
	var lastErr error
	for i, connector := range c.connectors {
		sess, err := connector.Connect(ctx)
		if err == nil {
			return sess, nil
		}

		var connErr *ConnectError
		if !errors.As(err, &connErr) {
			return nil, err
		}
		lastErr = err

		if i < len(c.connectors)-1 {
			util.Warn(i18n.T("transport_endpoint_fallback", map[string]any{"Endpoint": connErr.Endpoint}), map[string]any{
				"kind":  connErr.Kind.String(),
				"error": connErr.Err,
			})
		}
	}
	return nil, lastErr
}
