package transport

import (
	"net"
	"strconv"
	"time"
)

const DefaultTimeout = 15 * time.Second

type ConnectionOptions struct {
	Protocol   string
	Host       string
	Port       int
	User       string
	KeyFile    string
	KnownHosts string
	Timeout    time.Duration
	Hello      *Hello
}

// Address is the host:port form of the endpoint.
func (o ConnectionOptions) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

type Option func(*ConnectionOptions)

func WithProtocol(protocol string) Option {
	return func(o *ConnectionOptions) {
		o.Protocol = protocol
	}
}

func WithHost(host string) Option {
	return func(o *ConnectionOptions) {
		o.Host = host
	}
}

func WithPort(port int) Option {
	return func(o *ConnectionOptions) {
		o.Port = port
	}
}

func WithUser(user string) Option {
	return func(o *ConnectionOptions) {
		o.User = user
	}
}

func WithKeyFile(keyFile string) Option {
	return func(o *ConnectionOptions) {
		o.KeyFile = keyFile
	}
}

func WithKnownHosts(path string) Option {
	return func(o *ConnectionOptions) {
		o.KnownHosts = path
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *ConnectionOptions) {
		o.Timeout = timeout
	}
}

// WithHello makes Connect run the hello/welcome handshake after dialing.
func WithHello(hello Hello) Option {
	return func(o *ConnectionOptions) {
		o.Hello = &hello
	}
}

func DefaultOptions() ConnectionOptions {
	return ConnectionOptions{
		Protocol: DefaultProtocol,
		Timeout:  DefaultTimeout,
	}
}

func ApplyOptions(opts ...Option) ConnectionOptions {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
