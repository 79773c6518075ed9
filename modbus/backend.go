package modbus

import (
	"context"
	"hash/crc32"
	"net"
)

// ClientID opaquely identifies an accepted server connection. It is minted
// once per accepted connection and used to correlate Backend callbacks and
// external close/disconnect commands with that connection. Callers must
// treat it as opaque.
type ClientID uint64

// newClientID derives a ClientID from a connection's file-descriptor-ish
// identity and its remote address, following §3's
// "(fd << 32) | crc32(remote_sockaddr_bytes)" recipe. Since Go does not
// expose raw file descriptors for net.Conn without reaching into syscall
// internals, fd is replaced by a monotonically increasing sequence number
// shared by all of a Server's listeners, which serves the same purpose (an integer unique to
// this connection within the process) with the same bit layout.
func newClientID(seq uint32, remote net.Addr) ClientID {
	return ClientID(seq)<<32 | ClientID(crc32.ChecksumIEEE([]byte(remote.String())))
}

// Backend is the capability a server consults to service Modbus requests.
// Users supply their own implementation, typically by embedding BaseBackend
// and overriding only the methods they support.
//
// A Server invokes these methods on its single dispatcher goroutine; they
// must not block beyond short, bounded work, and if they touch state shared
// with other goroutines they are responsible for synchronizing access to
// it.
type Backend interface {
	// Authorize is invoked once per accepted TCP connection before any
	// traffic is read from it. Returning false causes the connection to be
	// closed immediately.
	Authorize(id ClientID, remote net.Addr) bool

	// Disconnect is invoked after a connection ends, for any reason.
	Disconnect(id ClientID)

	// Alive is invoked after each request from id is successfully
	// processed.
	Alive(id ClientID)

	// Ticker is invoked approximately once per second while the server is
	// running.
	Ticker()

	ReadCoils(ctx context.Context, addr uint16, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, addr uint16, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, addr uint16, quantity uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, addr uint16, quantity uint16) ([]uint16, error)
	WriteCoils(ctx context.Context, addr uint16, values []bool) error
	WriteHoldingRegisters(ctx context.Context, addr uint16, values []uint16) error
	WriteReadHoldingRegisters(
		ctx context.Context,
		writeAddr uint16, writeValues []uint16,
		readAddr uint16, readQuantity uint16,
	) ([]uint16, error)
	GetBasicDeviceIdentification(ctx context.Context) (vendor, product, version string, err error)
}

// BaseBackend implements Backend with the defaults spec'd for an
// unconfigured backend: connections are accepted, lifecycle callbacks are
// no-ops, and every data operation returns illegal_function so the
// resulting wire response is a correct Modbus exception rather than a
// native failure. Embed BaseBackend in a concrete backend and override
// only the methods it supports.
type BaseBackend struct{}

var _ Backend = BaseBackend{}

func (BaseBackend) Authorize(ClientID, net.Addr) bool { return true }
func (BaseBackend) Disconnect(ClientID)               {}
func (BaseBackend) Alive(ClientID)                    {}
func (BaseBackend) Ticker()                           {}

func (BaseBackend) ReadCoils(context.Context, uint16, uint16) ([]bool, error) {
	return nil, newError(KindIllegalFunction, "")
}

func (BaseBackend) ReadDiscreteInputs(context.Context, uint16, uint16) ([]bool, error) {
	return nil, newError(KindIllegalFunction, "")
}

func (BaseBackend) ReadHoldingRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return nil, newError(KindIllegalFunction, "")
}

func (BaseBackend) ReadInputRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return nil, newError(KindIllegalFunction, "")
}

func (BaseBackend) WriteCoils(context.Context, uint16, []bool) error {
	return newError(KindIllegalFunction, "")
}

func (BaseBackend) WriteHoldingRegisters(context.Context, uint16, []uint16) error {
	return newError(KindIllegalFunction, "")
}

func (BaseBackend) WriteReadHoldingRegisters(
	context.Context, uint16, []uint16, uint16, uint16,
) ([]uint16, error) {
	return nil, newError(KindIllegalFunction, "")
}

func (BaseBackend) GetBasicDeviceIdentification(context.Context) (string, string, string, error) {
	return "", "", "", newError(KindIllegalFunction, "")
}
