package modbus

import "testing"

func TestIsModbusException(t *testing.T) {
	cases := []struct {
		k    Kind
		want bool
	}{
		{KindNone, false},
		{KindIllegalFunction, true},
		{KindGatewayTargetDeviceFailed, true},
		{KindInvalidArgument, false},
		{KindConnectionClosed, false},
	}
	for _, c := range cases {
		if got := IsModbusException(c.k); got != c.want {
			t.Errorf("IsModbusException(%s) = %v, want %v", c.k, got, c.want)
		}
	}
}

func TestExceptionCodeRoundTrip(t *testing.T) {
	for k := KindIllegalFunction; k <= KindGatewayTargetDeviceFailed; k++ {
		code, ok := k.exceptionCode()
		if !ok {
			t.Fatalf("%s: exceptionCode not ok", k)
		}
		got, ok := kindFromExceptionCode(code)
		if !ok || got != k {
			t.Fatalf("%s: round trip through code %d gave %s, ok=%v", k, code, got, ok)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := newError(KindIllegalDataValue, "")
	if err.Error() != "illegal data value" {
		t.Errorf("Error() = %q", err.Error())
	}
	err = newError(KindIllegalDataValue, "count out of range")
	if err.Error() != "illegal data value: count out of range" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestAsModbusException(t *testing.T) {
	if k, ok := asModbusException(newError(KindIllegalFunction, "")); !ok || k != KindIllegalFunction {
		t.Errorf("asModbusException(illegal_function) = %s, %v", k, ok)
	}
	if _, ok := asModbusException(newError(KindTimeout, "")); ok {
		t.Error("asModbusException(timeout) should not be a Modbus exception")
	}
}
