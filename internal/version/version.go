// ABOUTME: Version constants for the lansound binaries
// ABOUTME: Referenced by startup banners and service advertisements
package version

const (
	// Version is the release version of this build.
	Version = "0.3.1"

	// Product is the human-readable product name.
	Product = "lansound"

	// Manufacturer identifies the project in device-info strings.
	Manufacturer = "lansound project"
)
