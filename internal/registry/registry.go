// Package registry wires the built-in transports into the transport
// registry.
package registry

import (
	"sync"

	"github.com/daedalus/daedalus_client/internal/ssh"
	"github.com/daedalus/daedalus_client/internal/tcp"
)

var once sync.Once

func InitTransports() {
	once.Do(func() {
		ssh.Register()
		tcp.Register()
	})
}
