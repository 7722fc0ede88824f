// ABOUTME: udptrip wire protocol package
// ABOUTME: Defines packet header variants and sequence arithmetic
// Package protocol implements the packet headers placed in front of every
// audio payload on the wire.
//
// Three variants share the Header interface: the default 16-byte header
// with the full stream layout, a zero-length header for peers configured
// identically out of band, and the 8-byte JamLink header. The variant is a
// deployment choice and is never negotiated.
//
// Example:
//
//	h, err := protocol.New(protocol.KindDefault, format)
//	h.FillFromLocal()
//	err = h.Serialize(packet)
//	h.IncreaseSequenceNumber()
//
//	peer := h.Parse(received)
//	if err := h.CheckPeerSettings(peer); err != nil {
//	    // report and decide
//	}
package protocol
