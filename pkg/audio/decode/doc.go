// ABOUTME: Audio file decoding package
// ABOUTME: Provides streaming MP3 and FLAC sources producing float samples
// Package decode turns audio files into streams of interleaved float32
// samples, used as capture sources for headless sessions.
//
// Example:
//
//	src, err := decode.Open("take.flac", decode.Options{Loop: true})
//	n, err := src.Read(buf)
package decode
