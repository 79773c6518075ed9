package modbus

// FunctionCode describes a Modbus function code.
type FunctionCode uint8

// Function code constants for the functions this library implements.
const (
	FunctionReadCoils                  FunctionCode = 0x01
	FunctionReadDiscreteInputs         FunctionCode = 0x02
	FunctionReadHoldingRegisters       FunctionCode = 0x03
	FunctionReadInputRegisters         FunctionCode = 0x04
	FunctionWriteSingleCoil            FunctionCode = 0x05
	FunctionWriteSingleRegister        FunctionCode = 0x06
	FunctionWriteMultipleCoils         FunctionCode = 0x0F
	FunctionWriteMultipleRegisters     FunctionCode = 0x10
	FunctionMaskWriteRegister          FunctionCode = 0x16
	FunctionReadWriteMultipleRegisters FunctionCode = 0x17
	FunctionReadDeviceIdentification   FunctionCode = 0x2B
)

// exceptionFlag is the bit set in the function code of an exception
// response.
const exceptionFlag FunctionCode = 0x80

// AsException returns this function code with the exception bit set.
func (fc FunctionCode) AsException() FunctionCode {
	return fc | exceptionFlag
}

// IsException reports whether this function code is from an exception
// response.
func (fc FunctionCode) IsException() bool {
	return fc&exceptionFlag != 0
}

// Quantity bounds mandated by the Modbus Application Protocol specification
// (Modbus_Application_Protocol_V1_1b3.pdf §6) and enforced as the protocol
// exception illegal_data_value.
const (
	minReadBits  = 1
	maxReadBits  = 2000
	minReadRegs  = 1
	maxReadRegs  = 125
	minWriteBits = 1
	maxWriteBits = 1968
	minWriteRegs = 1
	maxWriteRegs = 123

	minRdWrReadRegs  = 1
	maxRdWrReadRegs  = 125
	minRdWrWriteRegs = 1
	maxRdWrWriteRegs = 121
)

// Single-coil wire values (§4.4 of spec; Modbus Application Protocol §6.5).
const (
	singleCoilOff uint16 = 0x0000
	singleCoilOn  uint16 = 0xFF00
)
