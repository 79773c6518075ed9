package modbus

import "fmt"

// Default ports and version/vendor strings exposed by this library, per
// §6 of the specification.
const (
	// ServerDefaultPort is the default Modbus/TCP listening port.
	ServerDefaultPort = "502"

	// SecureServerDefaultPort is the reserved port for Modbus/TCP secured
	// with TLS. TLS transport itself is out of scope (see spec §1
	// Non-goals); the constant is retained since it is part of the
	// specified external surface.
	SecureServerDefaultPort = "802"

	// Vendor is the vendor name this library reports for its own device
	// identification defaults.
	Vendor = "mboxid"

	// ProductName is the product name this library reports for its own
	// device identification defaults.
	ProductName = "libmboxid"
)

// Version components reported via GetBasicDeviceIdentification by a
// MemoryBackend unless overridden with SetDeviceIdentification.
const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

// Version is the MAJOR.MINOR.PATCH version string for this library.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}

// VersionVerbose is the verbose "product vMAJOR.MINOR.PATCH" version
// string for this library.
func VersionVerbose() string {
	return fmt.Sprintf("%s v%s", ProductName, Version())
}

// MEI type and read-device-id code values used by function 0x2B (read
// device identification), restricted to the "basic" category this library
// supports.
const (
	meiTypeModbus       = 0x0E
	readDeviceIDBasic   = 0x01
	objectIDStart       = 0x00
	objectIDVendorName  = 0x00
	objectIDProductCode = 0x01
	objectIDVersion     = 0x02
)
