package modbus

import (
	"bytes"
	"context"
	"testing"
)

// TestServerEngineReadCoils exercises end-to-end scenario 1.
func TestServerEngineReadCoils(t *testing.T) {
	backend := NewMemoryBackend(64, 0, 0, 0)
	bits := []bool{
		true, false, true, true, false, false, true, true,
		true, true, false, true, false, true, true, false,
		true, false, true,
	}
	if err := backend.WriteCoils(context.Background(), 0x13, bits); err != nil {
		t.Fatalf("seed coils: %s", err)
	}

	req := []byte{0x01, 0x00, 0x13, 0x00, 0x13}
	rsp := make([]byte, MaxPDUSize)
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	want := []byte{0x01, 0x03, 0xCD, 0x6B, 0x05}
	if !bytes.Equal(rsp[:n], want) {
		t.Fatalf("got % x, want % x", rsp[:n], want)
	}
}

// TestServerEngineReadHoldingRegisters exercises end-to-end scenario 2.
func TestServerEngineReadHoldingRegisters(t *testing.T) {
	backend := NewMemoryBackend(0, 0, 0, 256)
	if err := backend.WriteHoldingRegisters(context.Background(), 0x6B, []uint16{0x022B, 0x0000, 0x0064}); err != nil {
		t.Fatalf("seed registers: %s", err)
	}

	req := []byte{0x03, 0x00, 0x6B, 0x00, 0x03}
	rsp := make([]byte, MaxPDUSize)
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	want := []byte{0x03, 0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64}
	if !bytes.Equal(rsp[:n], want) {
		t.Fatalf("got % x, want % x", rsp[:n], want)
	}
}

// TestServerEngineWriteMultipleCoils exercises end-to-end scenario 3.
func TestServerEngineWriteMultipleCoils(t *testing.T) {
	backend := NewMemoryBackend(32, 0, 0, 0)

	req := []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}
	rsp := make([]byte, MaxPDUSize)
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	want := []byte{0x0F, 0x00, 0x13, 0x00, 0x0A}
	if !bytes.Equal(rsp[:n], want) {
		t.Fatalf("got % x, want % x", rsp[:n], want)
	}

	got, err := backend.ReadCoils(context.Background(), 0x13, 10)
	if err != nil {
		t.Fatalf("ReadCoils: %s", err)
	}
	wantBits := []bool{true, false, true, true, false, false, true, true, true, false}
	for i, b := range wantBits {
		if got[i] != b {
			t.Fatalf("bit %d = %v, want %v", i, got[i], b)
		}
	}
}

// TestServerEngineMaskWriteRegister exercises end-to-end scenario 4.
func TestServerEngineMaskWriteRegister(t *testing.T) {
	backend := NewMemoryBackend(0, 0, 0, 256)
	if err := backend.WriteHoldingRegisters(context.Background(), 0x04, []uint16{0x0012}); err != nil {
		t.Fatalf("seed register: %s", err)
	}

	req := []byte{0x16, 0x00, 0x04, 0x00, 0xF2, 0x00, 0x25}
	rsp := make([]byte, MaxPDUSize)
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	if !bytes.Equal(rsp[:n], req) {
		t.Fatalf("response %x does not echo request %x", rsp[:n], req)
	}

	got, err := backend.ReadHoldingRegisters(context.Background(), 0x04, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %s", err)
	}
	if got[0] != 0x0017 {
		t.Fatalf("register = %#x, want 0x0017", got[0])
	}
}

// TestServerEngineIllegalFunction exercises end-to-end scenario 5.
func TestServerEngineIllegalFunction(t *testing.T) {
	backend := NewMemoryBackend(0, 0, 0, 0)

	req := []byte{0x55, 0x00}
	rsp := make([]byte, MaxPDUSize)
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	want := []byte{0xD5, 0x01}
	if !bytes.Equal(rsp[:n], want) {
		t.Fatalf("got % x, want % x", rsp[:n], want)
	}
}

func TestServerEngineQuantityEnforcement(t *testing.T) {
	backend := NewMemoryBackend(0, 0, 0, 256)
	rsp := make([]byte, MaxPDUSize)

	// cnt = 0
	req := []byte{0x03, 0x00, 0x00, 0x00, 0x00}
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	if !bytes.Equal(rsp[:n], []byte{0x83, 0x03}) {
		t.Fatalf("cnt=0: got % x", rsp[:n])
	}

	// cnt > max (126 > 125)
	req = []byte{0x03, 0x00, 0x00, 0x00, 0x7E}
	n, err = ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	if !bytes.Equal(rsp[:n], []byte{0x83, 0x03}) {
		t.Fatalf("cnt>max: got % x", rsp[:n])
	}
}

func TestServerEngineSingleCoilValueDomain(t *testing.T) {
	backend := NewMemoryBackend(32, 0, 0, 0)
	rsp := make([]byte, MaxPDUSize)

	req := []byte{0x05, 0x00, 0x00, 0x12, 0x34} // neither 0x0000 nor 0xFF00
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}
	if !bytes.Equal(rsp[:n], []byte{0x85, 0x03}) {
		t.Fatalf("got % x, want illegal_data_value exception", rsp[:n])
	}
}

func TestServerEngineDeviceIdentification(t *testing.T) {
	backend := NewMemoryBackend(0, 0, 0, 0)
	backend.SetDeviceIdentification("acme", "widget", "1.2.3")

	req := []byte{0x2B, meiTypeModbus, readDeviceIDBasic, objectIDStart}
	rsp := make([]byte, MaxPDUSize)
	n, err := ServerEngine(context.Background(), backend, req, rsp)
	if err != nil {
		t.Fatalf("ServerEngine: %s", err)
	}

	id, err := parseReadDeviceIdentificationResponse(rsp[:n])
	if err != nil {
		t.Fatalf("parse response: %s", err)
	}
	if id.VendorName != "acme" || id.ProductCode != "widget" || id.Version != "1.2.3" {
		t.Fatalf("got %+v", id)
	}
}
