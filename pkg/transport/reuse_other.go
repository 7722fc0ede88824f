//go:build !unix

// ABOUTME: No-op socket control for platforms without unix SO_REUSEADDR semantics
// ABOUTME: Windows SO_REUSEADDR would allow port hijacking, so senders bind normally there
package transport

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
