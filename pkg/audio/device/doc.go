// ABOUTME: Audio device package
// ABOUTME: Duplex device backends driving a fixed-period process callback
// Package device provides the audio endpoints a session runs on.
//
// Every backend calls one ProcessFunc per period with a captured buffer
// and a buffer to fill for playback, channel-major at the configured bit
// resolution. Hardware backends are malgo (default), oto (playback only)
// and PortAudio (with -tags portaudio). Loopback is a software-clocked
// device that captures a tone, a file, silence or its own output.
package device
