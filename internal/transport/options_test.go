package transport

import (
	"testing"
	"time"
)

func TestOptions(t *testing.T) {
	hello := Hello{Client: "daedalus_client", Version: "test"}

	opts := ApplyOptions(
		WithProtocol("tcp"),
		WithHost("meta.example.com"),
		WithPort(7000),
		WithUser("agent"),
		WithKeyFile("/path/to/key"),
		WithKnownHosts("/path/to/known_hosts"),
		WithTimeout(10*time.Second),
		WithHello(hello),
	)

	checks := []struct {
		name     string
		actual   any
		expected any
	}{
		{"protocol", opts.Protocol, "tcp"},
		{"host", opts.Host, "meta.example.com"},
		{"port", opts.Port, 7000},
		{"user", opts.User, "agent"},
		{"key file", opts.KeyFile, "/path/to/key"},
		{"known hosts", opts.KnownHosts, "/path/to/known_hosts"},
		{"timeout", opts.Timeout, 10 * time.Second},
		{"address", opts.Address(), "meta.example.com:7000"},
	}

	for _, c := range checks {
		if c.actual != c.expected {
			t.Errorf("Expected %s to be %v, got %v", c.name, c.expected, c.actual)
		}
	}

	if opts.Hello == nil || opts.Hello.Client != "daedalus_client" {
		t.Errorf("Expected hello to be set, got %+v", opts.Hello)
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.Protocol != DefaultProtocol {
		t.Errorf("Expected protocol to be '%s', got '%s'", DefaultProtocol, opts.Protocol)
	}
	if opts.Timeout != DefaultTimeout {
		t.Errorf("Expected timeout to be %v, got %v", DefaultTimeout, opts.Timeout)
	}
	if opts.Hello != nil {
		t.Error("Expected no hello by default")
	}
}

func TestApplyOptionsOrder(t *testing.T) {
	opts := ApplyOptions(
		WithProtocol("first"),
		WithProtocol("second"),
		WithProtocol("third"),
	)

	if opts.Protocol != "third" {
		t.Errorf("Expected protocol to be 'third', got '%s'", opts.Protocol)
	}
}

func TestAddressIPv6(t *testing.T) {
	opts := ApplyOptions(WithHost("::1"), WithPort(22))
	if opts.Address() != "[::1]:22" {
		t.Errorf("Expected bracketed IPv6 address, got %s", opts.Address())
	}
}
