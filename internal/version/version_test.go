// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"strings"
	"testing"
)

func TestVersionDefined(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestProductDefined(t *testing.T) {
	if Product == "" {
		t.Error("Product should not be empty")
	}
}

func TestManufacturerDefined(t *testing.T) {
	if Manufacturer == "" {
		t.Error("Manufacturer should not be empty")
	}
}

func TestVersionFormat(t *testing.T) {
	// Expect something like "0.3.1", never a placeholder.
	if strings.ContainsAny(Version, " \t") {
		t.Errorf("Version contains whitespace: %q", Version)
	}

	if parts := strings.Split(Version, "."); len(parts) != 3 {
		t.Errorf("Version %q is not dotted-triple form", Version)
	}
}
