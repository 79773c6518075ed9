package modbus

import "testing"

func TestPutFetchUint8(t *testing.T) {
	buf := make([]byte, 1)
	n := PutUint8(buf, 0xAB)
	if n != 1 || buf[0] != 0xAB {
		t.Fatalf("PutUint8 = %d, %#x", n, buf[0])
	}
	v, n := FetchUint8(buf)
	if n != 1 || v != 0xAB {
		t.Fatalf("FetchUint8 = %d, %#x", n, v)
	}
}

func TestPutFetchUint16BE(t *testing.T) {
	buf := make([]byte, 2)
	n := PutUint16BE(buf, 0x1234)
	if n != 2 || buf[0] != 0x12 || buf[1] != 0x34 {
		t.Fatalf("PutUint16BE wrote %v", buf)
	}
	v, n := FetchUint16BE(buf)
	if n != 2 || v != 0x1234 {
		t.Fatalf("FetchUint16BE = %d, %#x", n, v)
	}
}
