// ABOUTME: udptrip UDP transport package
// ABOUTME: Sender and receiver loops implementing fixed-factor redundancy
// Package transport moves audio packets between two peers over UDP.
//
// A Sender drains the local send ring one frame at a time, prefixes each
// frame with a packet header and sends a datagram holding the newest R
// packets, newest first. A Receiver learns its peer from the first
// datagram, resolves the redundant copies against the last delivered
// sequence number and hands each packet to a PeerSink exactly once, in
// order. Losing up to R-1 consecutive datagrams loses no audio.
//
// Both loops poll their blocking calls so Stop is observed within one
// poll interval. Socket errors are counted, never fatal.
package transport
