package modbus

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// IPVersion restricts which address family ConnectToServer resolves to,
// grounded on modbus_tcp_client.cpp's connect_to_server.
type IPVersion int

const (
	// IPAny accepts either IPv4 or IPv6.
	IPAny IPVersion = iota
	IPv4
	IPv6
)

func (v IPVersion) network() string {
	switch v {
	case IPv4:
		return "tcp4"
	case IPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

const defaultResponseTimeout = 5 * time.Second

// clientOptions collects the configuration built up by ClientOption values.
type clientOptions struct {
	logger          Logger
	responseTimeout time.Duration
	unitID          uint8
}

// ClientOption configures a Client created by NewClient.
type ClientOption func(*clientOptions)

// WithClientLogger sets the Logger used by the client. Defaults to the
// package-wide logger returned by GetLogger.
func WithClientLogger(l Logger) ClientOption {
	return func(opt *clientOptions) {
		opt.logger = l
	}
}

// WithResponseTimeout sets the default response timeout, overridable later
// with SetResponseTimeout.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(opt *clientOptions) {
		opt.responseTimeout = d
	}
}

// WithUnitID sets the default target unit identifier, overridable later
// with SetUnitID.
func WithUnitID(id uint8) ClientOption {
	return func(opt *clientOptions) {
		opt.unitID = id
	}
}

// Client is a Modbus/TCP client transactor: it serializes one request at a
// time over a single connection, matching each response's transaction
// identifier and unit identifier against the request that produced it, per
// §4.8 and modbus_tcp_client.cpp/modbus_protocol_client.cpp. A Client is
// not safe for concurrent use by multiple goroutines.
type Client struct {
	opts clientOptions

	mu   sync.Mutex
	conn net.Conn

	nextTransactionID uint16
}

// NewClient creates a disconnected Client.
func NewClient(opts ...ClientOption) *Client {
	o := clientOptions{
		logger:          GetLogger(),
		responseTimeout: defaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{opts: o}
}

// ConnectToServer resolves host (optionally host:port; service supplies
// the default port when host carries none) and connects to the first
// reachable address, per network.cpp's resolve_endpoint and
// modbus_tcp_client.cpp's try_connect/connect_to_server.
func (c *Client) ConnectToServer(ctx context.Context, host, service string, ipVersion IPVersion, timeout time.Duration) error {
	if c.conn != nil {
		return newError(KindLogicError, "client already connected")
	}

	addrs, err := ResolveEndpoints(ctx, host, service)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: timeout}
	var lastErr error
	for _, addr := range addrs {
		if ipVersion == IPv4 && addr.IP.To4() == nil {
			continue
		}
		if ipVersion == IPv6 && addr.IP.To4() != nil {
			continue
		}
		conn, err := dialer.DialContext(ctx, ipVersion.network(), addr.String())
		if err == nil {
			c.conn = conn
			c.opts.logger.Info("connected to %s", addr)
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = newError(KindAddressResolution, "no address matched the requested IP version")
	}
	return wrapErrno(KindActiveOpenError, "connect", lastErr)
}

// Disconnect closes the connection to the server, if any.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return wrapErrno(KindConnectionClosed, "disconnect", err)
	}
	return nil
}

// SetResponseTimeout sets how long a subsequent request waits for its
// response before failing with KindTimeout.
func (c *Client) SetResponseTimeout(d time.Duration) {
	c.opts.responseTimeout = d
}

// SetUnitID sets the unit identifier target of subsequent requests.
func (c *Client) SetUnitID(id uint8) error {
	c.opts.unitID = id
	return nil
}

// classifyIOErr distinguishes a deadline overrun from a closed or reset
// connection, per §4.8: EPIPE/ECONNRESET and a premature EOF mean
// connection_closed, a deadline overrun means timeout.
func classifyIOErr(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return KindConnectionClosed
	}
	return KindTimeout
}

// failIO wraps an I/O error from the connection, classifying it via
// classifyIOErr. When the connection is dead rather than merely slow, it
// closes and clears c.conn so a subsequent call fails fast with
// KindNotConnected instead of retrying on a dead socket.
func (c *Client) failIO(op string, err error) error {
	k := classifyIOErr(err)
	if k == KindConnectionClosed {
		c.conn.Close()
		c.conn = nil
	}
	return wrapErrno(k, op, err)
}

// transact sends reqPDU and returns the matching response PDU, enforcing
// the response timeout and the transaction-id/unit-id header match
// described by §4.8.
func (c *Client) transact(ctx context.Context, reqPDU []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, newError(KindNotConnected, "")
	}

	txID := c.nextTransactionID
	c.nextTransactionID++

	header := MBAPHeader{
		TransactionID: txID,
		ProtocolID:    0,
		Length:        uint16(len(reqPDU) + 1),
		UnitID:        c.opts.unitID,
	}

	adu := make([]byte, MBAPHeaderSize+len(reqPDU))
	header.Serialize(adu)
	copy(adu[MBAPHeaderSize:], reqPDU)

	deadline := time.Now().Add(c.opts.responseTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, wrapErrno(KindConnectionClosed, "set write deadline", err)
	}
	if _, err := c.conn.Write(adu); err != nil {
		return nil, c.failIO("write request", err)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, wrapErrno(KindConnectionClosed, "set read deadline", err)
	}
	rspHeaderBuf := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(c.conn, rspHeaderBuf); err != nil {
		return nil, c.failIO("read response header", err)
	}
	rspHeader, err := ParseMBAPHeader(rspHeaderBuf)
	if err != nil {
		return nil, err
	}
	rspPDU := make([]byte, rspHeader.PDULen())
	if _, err := io.ReadFull(c.conn, rspPDU); err != nil {
		return nil, c.failIO("read response body", err)
	}

	if rspHeader.TransactionID != header.TransactionID || rspHeader.UnitID != header.UnitID {
		return nil, newError(KindParseError, "response header does not match request")
	}
	return rspPDU, nil
}

func (c *Client) ReadCoils(ctx context.Context, addr, quantity uint16) ([]bool, error) {
	req := make([]byte, 5)
	serializeReadBitsRequest(req, FunctionReadCoils, addr, quantity)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseReadBitsResponse(FunctionReadCoils, rsp, quantity)
}

func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, quantity uint16) ([]bool, error) {
	req := make([]byte, 5)
	serializeReadBitsRequest(req, FunctionReadDiscreteInputs, addr, quantity)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseReadBitsResponse(FunctionReadDiscreteInputs, rsp, quantity)
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	req := make([]byte, 5)
	serializeReadRegistersRequest(req, FunctionReadHoldingRegisters, addr, quantity)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseReadRegistersResponse(FunctionReadHoldingRegisters, rsp, quantity)
}

func (c *Client) ReadInputRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	req := make([]byte, 5)
	serializeReadRegistersRequest(req, FunctionReadInputRegisters, addr, quantity)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseReadRegistersResponse(FunctionReadInputRegisters, rsp, quantity)
}

func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	req := make([]byte, 5)
	serializeWriteSingleCoilRequest(req, addr, value)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return err
	}
	return parseWriteSingleCoilResponse(rsp, addr, value)
}

func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	req := make([]byte, 5)
	serializeWriteSingleRegisterRequest(req, addr, value)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return err
	}
	return parseWriteSingleRegisterResponse(rsp, addr, value)
}

func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	req := make([]byte, 6+bitToByteCount(len(values)))
	n, err := serializeWriteMultipleCoilsRequest(req, addr, values)
	if err != nil {
		return err
	}
	rsp, err := c.transact(ctx, req[:n])
	if err != nil {
		return err
	}
	return parseWriteMultipleCoilsResponse(rsp, addr, len(values))
}

func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	req := make([]byte, 6+2*len(values))
	n, err := serializeWriteMultipleRegistersRequest(req, addr, values)
	if err != nil {
		return err
	}
	rsp, err := c.transact(ctx, req[:n])
	if err != nil {
		return err
	}
	return parseWriteMultipleRegistersResponse(rsp, addr, len(values))
}

func (c *Client) MaskWriteRegister(ctx context.Context, addr, and, or uint16) error {
	req := make([]byte, 7)
	serializeMaskWriteRegisterRequest(req, addr, and, or)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return err
	}
	return parseMaskWriteRegisterResponse(rsp, addr, and, or)
}

func (c *Client) ReadWriteMultipleRegisters(
	ctx context.Context,
	readAddr, readQuantity, writeAddr uint16, writeValues []uint16,
) ([]uint16, error) {
	req := make([]byte, 10+2*len(writeValues))
	n, err := serializeReadWriteMultipleRegistersRequest(req, readAddr, readQuantity, writeAddr, writeValues)
	if err != nil {
		return nil, err
	}
	rsp, err := c.transact(ctx, req[:n])
	if err != nil {
		return nil, err
	}
	return parseReadWriteMultipleRegistersResponse(rsp, readQuantity)
}

func (c *Client) ReadDeviceIdentification(ctx context.Context) (DeviceIdentification, error) {
	req := make([]byte, 4)
	serializeReadDeviceIdentificationRequest(req)
	rsp, err := c.transact(ctx, req)
	if err != nil {
		return DeviceIdentification{}, err
	}
	return parseReadDeviceIdentificationResponse(rsp)
}
