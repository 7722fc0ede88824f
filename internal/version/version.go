// ABOUTME: Product and version constants
// ABOUTME: Reported in logs, mDNS TXT records and the monitor feed
package version

const (
	// Version is the release version
	Version = "0.3.0"

	// Product is the product name
	Product = "udptrip"

	// Manufacturer is the manufacturer name
	Manufacturer = "Resonate"
)

// String returns "udptrip/0.3.0"
func String() string {
	return Product + "/" + Version
}
