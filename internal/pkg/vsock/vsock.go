// Package vsock wraps AF_VSOCK listening for the guest agent.
package vsock

import (
	"net"

	"github.com/mdlayher/vsock"
)

// Listen creates a vsock listener on the specified port, bound to any
// CID (the guest accepts connections bridged in by the hypervisor).
func Listen(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}
