// ABOUTME: Session package
// ABOUTME: Peer-to-peer audio session over UDP with redundancy and resampling
// Package session runs one end of a peer-to-peer audio link.
//
// A Session connects an audio device to a UDP sender and receiver. Each
// device period is queued in the send ring and leaves as one datagram
// carrying the newest packet and Redundancy-1 earlier ones. Received
// packets land in a receive ring drained by the device, through the
// resampler when the peer's rate, buffer size, sample width or channel
// count differs from the local format.
//
// Lifecycle:
//
//	s, err := session.New(session.Config{Role: session.RoleClient, PeerHost: "10.0.0.2"}, dev)
//	err = s.Configure()
//	err = s.Start(ctx)
//	...
//	err = s.Close()
//
// A session is never restarted; create a new one instead.
package session
