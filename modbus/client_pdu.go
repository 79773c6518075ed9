package modbus

// This file serializes client requests and parses the matching server
// responses, one pair of functions per function code, grounded on
// modbus_protocol_client.cpp's serialize/parse helpers and
// check_for_exception.

// checkForException inspects a response PDU's function code for the
// exception bit. If set, it decodes the trailing exception code and
// returns the corresponding *Error; ok is true in that case. Otherwise ok
// is false and the caller should continue parsing rsp as a normal
// response.
func checkForException(fc FunctionCode, rsp []byte) (err error, ok bool) {
	if len(rsp) == 0 {
		return newError(KindParseError, "empty response"), true
	}
	rspFC := FunctionCode(rsp[0])
	if !rspFC.IsException() {
		return nil, false
	}
	if rspFC != fc.AsException() {
		return newErrorf(KindParseError, "response function code %#x does not match request %#x", rspFC, fc.AsException()), true
	}
	if len(rsp) < 2 {
		return newError(KindParseError, "exception response too short"), true
	}
	code, _ := FetchUint8(rsp[1:2])
	k, known := kindFromExceptionCode(code)
	if !known {
		return newErrorf(KindParseError, "unknown exception code %d", code), true
	}
	return newError(k, ""), true
}

func checkResponseFunctionCode(fc FunctionCode, rsp []byte) error {
	if len(rsp) < 1 {
		return newError(KindParseError, "empty response")
	}
	if FunctionCode(rsp[0]) != fc {
		return newErrorf(KindParseError, "response function code %#x does not match request %#x", rsp[0], fc)
	}
	return nil
}

func serializeReadBitsRequest(dst []byte, fc FunctionCode, addr, quantity uint16) int {
	n := 0
	n += PutUint8(dst[n:], byte(fc))
	n += PutUint16BE(dst[n:], addr)
	n += PutUint16BE(dst[n:], quantity)
	return n
}

func parseReadBitsResponse(fc FunctionCode, rsp []byte, quantity uint16) ([]bool, error) {
	if err, ok := checkForException(fc, rsp); ok {
		return nil, err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return nil, err
	}
	if len(rsp) < 2 {
		return nil, newError(KindParseError, "read bits response too short")
	}
	byteCnt, _ := FetchUint8(rsp[1:2])
	want := bitToByteCount(int(quantity))
	if int(byteCnt) != want || len(rsp)-2 < want {
		return nil, newError(KindParseError, "read bits response byte count mismatch")
	}
	bits, err := ParseBits(rsp[2:], int(quantity))
	if err != nil {
		return nil, err
	}
	return bits, nil
}

func serializeReadRegistersRequest(dst []byte, fc FunctionCode, addr, quantity uint16) int {
	n := 0
	n += PutUint8(dst[n:], byte(fc))
	n += PutUint16BE(dst[n:], addr)
	n += PutUint16BE(dst[n:], quantity)
	return n
}

func parseReadRegistersResponse(fc FunctionCode, rsp []byte, quantity uint16) ([]uint16, error) {
	if err, ok := checkForException(fc, rsp); ok {
		return nil, err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return nil, err
	}
	if len(rsp) < 2 {
		return nil, newError(KindParseError, "read registers response too short")
	}
	byteCnt, _ := FetchUint8(rsp[1:2])
	if int(byteCnt) != 2*int(quantity) || len(rsp)-2 < int(byteCnt) {
		return nil, newError(KindParseError, "read registers response byte count mismatch")
	}
	return ParseRegisters(rsp[2:], int(quantity))
}

func serializeWriteSingleCoilRequest(dst []byte, addr uint16, value bool) int {
	v := singleCoilOff
	if value {
		v = singleCoilOn
	}
	n := 0
	n += PutUint8(dst[n:], byte(FunctionWriteSingleCoil))
	n += PutUint16BE(dst[n:], addr)
	n += PutUint16BE(dst[n:], v)
	return n
}

func parseWriteSingleCoilResponse(rsp []byte, addr uint16, value bool) error {
	fc := FunctionWriteSingleCoil
	if err, ok := checkForException(fc, rsp); ok {
		return err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return err
	}
	if len(rsp) != 5 {
		return newError(KindParseError, "write single coil response wrong size")
	}
	rspAddr, _ := FetchUint16BE(rsp[1:3])
	rspVal, _ := FetchUint16BE(rsp[3:5])
	wantVal := singleCoilOff
	if value {
		wantVal = singleCoilOn
	}
	if rspAddr != addr || rspVal != wantVal {
		return newError(KindParseError, "write single coil response echo mismatch")
	}
	return nil
}

func serializeWriteSingleRegisterRequest(dst []byte, addr, value uint16) int {
	n := 0
	n += PutUint8(dst[n:], byte(FunctionWriteSingleRegister))
	n += PutUint16BE(dst[n:], addr)
	n += PutUint16BE(dst[n:], value)
	return n
}

func parseWriteSingleRegisterResponse(rsp []byte, addr, value uint16) error {
	fc := FunctionWriteSingleRegister
	if err, ok := checkForException(fc, rsp); ok {
		return err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return err
	}
	if len(rsp) != 5 {
		return newError(KindParseError, "write single register response wrong size")
	}
	rspAddr, _ := FetchUint16BE(rsp[1:3])
	rspVal, _ := FetchUint16BE(rsp[3:5])
	if rspAddr != addr || rspVal != value {
		return newError(KindParseError, "write single register response echo mismatch")
	}
	return nil
}

func serializeWriteMultipleCoilsRequest(dst []byte, addr uint16, values []bool) (int, error) {
	n := 0
	n += PutUint8(dst[n:], byte(FunctionWriteMultipleCoils))
	n += PutUint16BE(dst[n:], addr)
	n += PutUint16BE(dst[n:], uint16(len(values)))
	byteCnt := bitToByteCount(len(values))
	n += PutUint8(dst[n:], byte(byteCnt))
	written, err := SerializeBits(dst[n:], values)
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

func parseWriteMultipleCoilsResponse(rsp []byte, addr uint16, quantity int) error {
	fc := FunctionWriteMultipleCoils
	if err, ok := checkForException(fc, rsp); ok {
		return err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return err
	}
	if len(rsp) != 5 {
		return newError(KindParseError, "write multiple coils response wrong size")
	}
	rspAddr, _ := FetchUint16BE(rsp[1:3])
	rspCnt, _ := FetchUint16BE(rsp[3:5])
	if rspAddr != addr || int(rspCnt) != quantity {
		return newError(KindParseError, "write multiple coils response echo mismatch")
	}
	return nil
}

func serializeWriteMultipleRegistersRequest(dst []byte, addr uint16, values []uint16) (int, error) {
	n := 0
	n += PutUint8(dst[n:], byte(FunctionWriteMultipleRegisters))
	n += PutUint16BE(dst[n:], addr)
	n += PutUint16BE(dst[n:], uint16(len(values)))
	n += PutUint8(dst[n:], byte(2*len(values)))
	written, err := SerializeRegisters(dst[n:], values)
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

func parseWriteMultipleRegistersResponse(rsp []byte, addr uint16, quantity int) error {
	fc := FunctionWriteMultipleRegisters
	if err, ok := checkForException(fc, rsp); ok {
		return err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return err
	}
	if len(rsp) != 5 {
		return newError(KindParseError, "write multiple registers response wrong size")
	}
	rspAddr, _ := FetchUint16BE(rsp[1:3])
	rspCnt, _ := FetchUint16BE(rsp[3:5])
	if rspAddr != addr || int(rspCnt) != quantity {
		return newError(KindParseError, "write multiple registers response echo mismatch")
	}
	return nil
}

func serializeMaskWriteRegisterRequest(dst []byte, addr, and, or uint16) int {
	n := 0
	n += PutUint8(dst[n:], byte(FunctionMaskWriteRegister))
	n += PutUint16BE(dst[n:], addr)
	n += PutUint16BE(dst[n:], and)
	n += PutUint16BE(dst[n:], or)
	return n
}

func parseMaskWriteRegisterResponse(rsp []byte, addr, and, or uint16) error {
	fc := FunctionMaskWriteRegister
	if err, ok := checkForException(fc, rsp); ok {
		return err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return err
	}
	if len(rsp) != 7 {
		return newError(KindParseError, "mask write register response wrong size")
	}
	rspAddr, _ := FetchUint16BE(rsp[1:3])
	rspAnd, _ := FetchUint16BE(rsp[3:5])
	rspOr, _ := FetchUint16BE(rsp[5:7])
	if rspAddr != addr || rspAnd != and || rspOr != or {
		return newError(KindParseError, "mask write register response echo mismatch")
	}
	return nil
}

func serializeReadWriteMultipleRegistersRequest(
	dst []byte,
	readAddr, readQuantity, writeAddr uint16, writeValues []uint16,
) (int, error) {
	n := 0
	n += PutUint8(dst[n:], byte(FunctionReadWriteMultipleRegisters))
	n += PutUint16BE(dst[n:], readAddr)
	n += PutUint16BE(dst[n:], readQuantity)
	n += PutUint16BE(dst[n:], writeAddr)
	n += PutUint16BE(dst[n:], uint16(len(writeValues)))
	n += PutUint8(dst[n:], byte(2*len(writeValues)))
	written, err := SerializeRegisters(dst[n:], writeValues)
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

func parseReadWriteMultipleRegistersResponse(rsp []byte, readQuantity uint16) ([]uint16, error) {
	fc := FunctionReadWriteMultipleRegisters
	if err, ok := checkForException(fc, rsp); ok {
		return nil, err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return nil, err
	}
	if len(rsp) < 2 {
		return nil, newError(KindParseError, "read/write registers response too short")
	}
	byteCnt, _ := FetchUint8(rsp[1:2])
	if int(byteCnt) != 2*int(readQuantity) || len(rsp)-2 < int(byteCnt) {
		return nil, newError(KindParseError, "read/write registers response byte count mismatch")
	}
	return ParseRegisters(rsp[2:], int(readQuantity))
}

func serializeReadDeviceIdentificationRequest(dst []byte) int {
	n := 0
	n += PutUint8(dst[n:], byte(FunctionReadDeviceIdentification))
	n += PutUint8(dst[n:], meiTypeModbus)
	n += PutUint8(dst[n:], readDeviceIDBasic)
	n += PutUint8(dst[n:], objectIDStart)
	return n
}

// DeviceIdentification holds the objects returned by a basic device
// identification request.
type DeviceIdentification struct {
	VendorName  string
	ProductCode string
	Version     string
}

func parseReadDeviceIdentificationResponse(rsp []byte) (DeviceIdentification, error) {
	fc := FunctionReadDeviceIdentification
	var id DeviceIdentification
	if err, ok := checkForException(fc, rsp); ok {
		return id, err
	}
	if err := checkResponseFunctionCode(fc, rsp); err != nil {
		return id, err
	}
	if len(rsp) < 7 {
		return id, newError(KindParseError, "read device identification response too short")
	}
	// rsp[1]=MEI type, rsp[2]=id code, rsp[3]=conformity level, rsp[4]=more
	// follows, rsp[5]=next object id, rsp[6]=number of objects.
	numObjects, _ := FetchUint8(rsp[6:7])
	off := 7
	for i := 0; i < int(numObjects); i++ {
		if off+2 > len(rsp) {
			return id, newError(KindParseError, "read device identification: truncated object header")
		}
		objID, _ := FetchUint8(rsp[off : off+1])
		objLen, _ := FetchUint8(rsp[off+1 : off+2])
		off += 2
		if off+int(objLen) > len(rsp) {
			return id, newError(KindParseError, "read device identification: truncated object value")
		}
		value := string(rsp[off : off+int(objLen)])
		off += int(objLen)
		switch objID {
		case objectIDVendorName:
			id.VendorName = value
		case objectIDProductCode:
			id.ProductCode = value
		case objectIDVersion:
			id.Version = value
		}
	}
	return id, nil
}
