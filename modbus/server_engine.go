package modbus

import "context"

// ServerEngine dispatches a single request PDU (starting at the function
// code) to backend and writes the response PDU into rsp, returning the
// number of bytes written.
//
// On a protocol-level fault (bad quantity, bad address, unsupported
// function, or a Modbus-range error returned by backend) ServerEngine
// writes a 2-byte exception PDU and returns a nil error: the connection
// stays open, per §4.4/§7. If backend returns a non-Modbus error,
// ServerEngine returns that error unencoded so the caller (the server event
// loop) can close the connection, per §4.4 "Native errors ... propagate
// upward".
func ServerEngine(ctx context.Context, backend Backend, req []byte, rsp []byte) (int, error) {
	if len(req) < MinPDUSize {
		return 0, newError(KindParseError, "request too short")
	}

	fc := FunctionCode(req[0])
	switch fc {
	case FunctionReadCoils, FunctionReadDiscreteInputs:
		return serverReadBits(ctx, backend, fc, req, rsp)
	case FunctionReadHoldingRegisters, FunctionReadInputRegisters:
		return serverReadRegisters(ctx, backend, fc, req, rsp)
	case FunctionWriteSingleCoil:
		return serverWriteSingleCoil(ctx, backend, req, rsp)
	case FunctionWriteSingleRegister:
		return serverWriteSingleRegister(ctx, backend, req, rsp)
	case FunctionWriteMultipleCoils:
		return serverWriteMultipleCoils(ctx, backend, req, rsp)
	case FunctionWriteMultipleRegisters:
		return serverWriteMultipleRegisters(ctx, backend, req, rsp)
	case FunctionMaskWriteRegister:
		return serverMaskWriteRegister(ctx, backend, req, rsp)
	case FunctionReadWriteMultipleRegisters:
		return serverReadWriteMultipleRegisters(ctx, backend, req, rsp)
	case FunctionReadDeviceIdentification:
		return serverReadDeviceIdentification(ctx, backend, req, rsp)
	default:
		return serializeException(rsp, fc, KindIllegalFunction), nil
	}
}

// serializeException writes a 2-byte exception PDU {fc|0x80, code} to rsp
// and returns 2.
func serializeException(rsp []byte, fc FunctionCode, k Kind) int {
	code, ok := k.exceptionCode()
	if !ok {
		code, _ = KindServerDeviceFailure.exceptionCode()
	}
	n := 0
	n += PutUint8(rsp[n:], byte(fc.AsException()))
	n += PutUint8(rsp[n:], code)
	return n
}

// classifyBackendErr returns the Modbus exception kind to encode for err,
// and ok=true, if err is a protocol exception. ok=false means err is a
// native error that must propagate and close the connection.
func classifyBackendErr(err error) (Kind, bool) {
	if err == nil {
		return KindNone, true
	}
	return asModbusException(err)
}

func serverReadBits(ctx context.Context, backend Backend, fc FunctionCode, req, rsp []byte) (int, error) {
	if len(req) != 5 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	addr, _ := FetchUint16BE(req[1:3])
	cnt, _ := FetchUint16BE(req[3:5])
	if cnt < minReadBits || cnt > maxReadBits {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	var (
		bits []bool
		err  error
	)
	if fc == FunctionReadCoils {
		bits, err = backend.ReadCoils(ctx, addr, cnt)
	} else {
		bits, err = backend.ReadDiscreteInputs(ctx, addr, cnt)
	}
	if k, isExc := classifyBackendErr(err); err != nil {
		if !isExc {
			return 0, err
		}
		return serializeException(rsp, fc, k), nil
	}

	byteCnt := bitToByteCount(int(cnt))
	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint8(rsp[n:], byte(byteCnt))
	written, err := SerializeBits(rsp[n:], bits)
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

func serverReadRegisters(ctx context.Context, backend Backend, fc FunctionCode, req, rsp []byte) (int, error) {
	if len(req) != 5 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	addr, _ := FetchUint16BE(req[1:3])
	cnt, _ := FetchUint16BE(req[3:5])
	if cnt < minReadRegs || cnt > maxReadRegs {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	var (
		regs []uint16
		err  error
	)
	if fc == FunctionReadHoldingRegisters {
		regs, err = backend.ReadHoldingRegisters(ctx, addr, cnt)
	} else {
		regs, err = backend.ReadInputRegisters(ctx, addr, cnt)
	}
	if k, isExc := classifyBackendErr(err); err != nil {
		if !isExc {
			return 0, err
		}
		return serializeException(rsp, fc, k), nil
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint8(rsp[n:], byte(2*cnt))
	written, err := SerializeRegisters(rsp[n:], regs)
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

func serverWriteSingleCoil(ctx context.Context, backend Backend, req, rsp []byte) (int, error) {
	fc := FunctionWriteSingleCoil
	if len(req) != 5 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	addr, _ := FetchUint16BE(req[1:3])
	val, _ := FetchUint16BE(req[3:5])
	if val != singleCoilOff && val != singleCoilOn {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	err := backend.WriteCoils(ctx, addr, []bool{val == singleCoilOn})
	if k, isExc := classifyBackendErr(err); err != nil {
		if !isExc {
			return 0, err
		}
		return serializeException(rsp, fc, k), nil
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint16BE(rsp[n:], addr)
	n += PutUint16BE(rsp[n:], val)
	return n, nil
}

func serverWriteSingleRegister(ctx context.Context, backend Backend, req, rsp []byte) (int, error) {
	fc := FunctionWriteSingleRegister
	if len(req) != 5 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	addr, _ := FetchUint16BE(req[1:3])
	val, _ := FetchUint16BE(req[3:5])

	err := backend.WriteHoldingRegisters(ctx, addr, []uint16{val})
	if k, isExc := classifyBackendErr(err); err != nil {
		if !isExc {
			return 0, err
		}
		return serializeException(rsp, fc, k), nil
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint16BE(rsp[n:], addr)
	n += PutUint16BE(rsp[n:], val)
	return n, nil
}

func serverWriteMultipleCoils(ctx context.Context, backend Backend, req, rsp []byte) (int, error) {
	fc := FunctionWriteMultipleCoils
	if len(req) < 7 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	addr, _ := FetchUint16BE(req[1:3])
	cnt, _ := FetchUint16BE(req[3:5])
	byteCnt, _ := FetchUint8(req[5:6])

	if cnt < minWriteBits || cnt > maxWriteBits ||
		int(byteCnt) != bitToByteCount(int(cnt)) || len(req)-6 != int(byteCnt) {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	bits, err := ParseBits(req[6:], int(cnt))
	if err != nil {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	if err := backend.WriteCoils(ctx, addr, bits); err != nil {
		if k, isExc := classifyBackendErr(err); isExc {
			return serializeException(rsp, fc, k), nil
		}
		return 0, err
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint16BE(rsp[n:], addr)
	n += PutUint16BE(rsp[n:], cnt)
	return n, nil
}

func serverWriteMultipleRegisters(ctx context.Context, backend Backend, req, rsp []byte) (int, error) {
	fc := FunctionWriteMultipleRegisters
	if len(req) < 8 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	addr, _ := FetchUint16BE(req[1:3])
	cnt, _ := FetchUint16BE(req[3:5])
	byteCnt, _ := FetchUint8(req[5:6])

	if cnt < minWriteRegs || cnt > maxWriteRegs ||
		int(byteCnt) != 2*int(cnt) || len(req)-6 != int(byteCnt) {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	regs, err := ParseRegisters(req[6:], int(cnt))
	if err != nil {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	if err := backend.WriteHoldingRegisters(ctx, addr, regs); err != nil {
		if k, isExc := classifyBackendErr(err); isExc {
			return serializeException(rsp, fc, k), nil
		}
		return 0, err
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint16BE(rsp[n:], addr)
	n += PutUint16BE(rsp[n:], cnt)
	return n, nil
}

func serverMaskWriteRegister(ctx context.Context, backend Backend, req, rsp []byte) (int, error) {
	fc := FunctionMaskWriteRegister
	if len(req) != 7 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	addr, _ := FetchUint16BE(req[1:3])
	and, _ := FetchUint16BE(req[3:5])
	or, _ := FetchUint16BE(req[5:7])

	regs, err := backend.ReadHoldingRegisters(ctx, addr, 1)
	if err == nil {
		if len(regs) != 1 {
			return 0, newError(KindLogicError, "backend returned wrong number of registers")
		}
		newVal := (regs[0] & and) | (or &^ and)
		err = backend.WriteHoldingRegisters(ctx, addr, []uint16{newVal})
	}
	if err != nil {
		if k, isExc := classifyBackendErr(err); isExc {
			return serializeException(rsp, fc, k), nil
		}
		return 0, err
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint16BE(rsp[n:], addr)
	n += PutUint16BE(rsp[n:], and)
	n += PutUint16BE(rsp[n:], or)
	return n, nil
}

func serverReadWriteMultipleRegisters(ctx context.Context, backend Backend, req, rsp []byte) (int, error) {
	fc := FunctionReadWriteMultipleRegisters
	if len(req) < 10 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	readAddr, _ := FetchUint16BE(req[1:3])
	readCnt, _ := FetchUint16BE(req[3:5])
	writeAddr, _ := FetchUint16BE(req[5:7])
	writeCnt, _ := FetchUint16BE(req[7:9])
	byteCnt, _ := FetchUint8(req[9:10])

	if readCnt < minRdWrReadRegs || readCnt > maxRdWrReadRegs ||
		writeCnt < minRdWrWriteRegs || writeCnt > maxRdWrWriteRegs ||
		int(byteCnt) != 2*int(writeCnt) || len(req)-10 != int(byteCnt) {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	writeRegs, err := ParseRegisters(req[10:], int(writeCnt))
	if err != nil {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	readRegs, err := backend.WriteReadHoldingRegisters(ctx, writeAddr, writeRegs, readAddr, readCnt)
	if err != nil {
		if k, isExc := classifyBackendErr(err); isExc {
			return serializeException(rsp, fc, k), nil
		}
		return 0, err
	}
	if len(readRegs) != int(readCnt) {
		return 0, newError(KindLogicError, "backend returned wrong number of registers")
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint8(rsp[n:], byte(2*readCnt))
	written, err := SerializeRegisters(rsp[n:], readRegs)
	if err != nil {
		return 0, err
	}
	return n + written, nil
}

func serverReadDeviceIdentification(ctx context.Context, backend Backend, req, rsp []byte) (int, error) {
	fc := FunctionReadDeviceIdentification
	if len(req) != 4 {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	mei, _ := FetchUint8(req[1:2])
	idCode, _ := FetchUint8(req[2:3])
	objectID, _ := FetchUint8(req[3:4])

	if mei != meiTypeModbus || idCode != readDeviceIDBasic {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}
	if objectID != objectIDStart {
		return serializeException(rsp, fc, KindIllegalDataAddress), nil
	}

	vendor, product, version, err := backend.GetBasicDeviceIdentification(ctx)
	if err != nil {
		if k, isExc := classifyBackendErr(err); isExc {
			return serializeException(rsp, fc, k), nil
		}
		return 0, err
	}

	// Every object is encoded as {object_id, length, bytes}; all three must
	// fit a single PDU. Rather than silently truncate (which could produce
	// misleading identification data), reject with illegal_data_value —
	// see DESIGN.md for the rationale behind this choice.
	objects := []struct {
		id    byte
		value string
	}{
		{objectIDVendorName, vendor},
		{objectIDProductCode, product},
		{objectIDVersion, version},
	}

	size := 7
	for _, o := range objects {
		if len(o.value) > 255 {
			return serializeException(rsp, fc, KindIllegalDataValue), nil
		}
		size += 2 + len(o.value)
	}
	if size > len(rsp) || size > MaxPDUSize {
		return serializeException(rsp, fc, KindIllegalDataValue), nil
	}

	n := 0
	n += PutUint8(rsp[n:], byte(fc))
	n += PutUint8(rsp[n:], meiTypeModbus)
	n += PutUint8(rsp[n:], idCode)
	n += PutUint8(rsp[n:], readDeviceIDBasic) // conformity level
	n += PutUint8(rsp[n:], 0x00)              // more follows: no
	n += PutUint8(rsp[n:], 0x00)              // next object id
	n += PutUint8(rsp[n:], byte(len(objects)))
	for _, o := range objects {
		n += PutUint8(rsp[n:], o.id)
		n += PutUint8(rsp[n:], byte(len(o.value)))
		n += copy(rsp[n:], o.value)
	}
	return n, nil
}
