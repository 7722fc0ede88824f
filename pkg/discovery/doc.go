// ABOUTME: mDNS service discovery package
// ABOUTME: Discover and advertise udptrip servers on the local network
// Package discovery finds udptrip servers on the local network.
//
// A server advertises its UDP port under _udptrip._udp with TXT records
// carrying its session id and stream format. A client without a peer
// address browses until a server answers.
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	peer, err := discovery.Lookup(ctx, nil)
//	if err == nil {
//	    fmt.Printf("Found: %s at %s\n", peer.Name, peer.Addr())
//	}
package discovery
