package modbus

import (
	"context"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// registerBlockSize is the number of holding registers guarded by a single
// mutex. Partitioning the holding register array into blocks, rather than
// guarding it with one mutex, lets unrelated addresses be accessed
// concurrently and gives WriteReadHoldingRegisters something to compose
// locks over: its write range and read range can land in different
// blocks, and multilocker.New is what lets both be acquired as one atomic
// unit without risking lock-ordering deadlocks against a concurrent call
// that touches the same blocks in the opposite order.
const registerBlockSize = 256

type registerBlock struct {
	mx   sync.RWMutex
	data [registerBlockSize]uint16
}

// MemoryBackend is a reference Backend backed entirely by process memory:
// fixed-size coil, discrete input, input register and holding register
// arrays. It is grounded on the locking technique of the teacher's
// DataModel (per-block mutexes combined with multilocker for multi-range
// atomicity), generalized to the flat four-array model this library's
// Backend interface exposes.
type MemoryBackend struct {
	BaseBackend

	coilsMx        sync.RWMutex
	coils          []bool
	discreteMx     sync.RWMutex
	discreteInputs []bool
	inputRegMx     sync.RWMutex
	inputRegisters []uint16
	holdingBlocks  []*registerBlock
	holdingCount   int

	vendor, product, version string
}

// NewMemoryBackend creates a MemoryBackend with the given array sizes. Each
// size may be zero, in which case the corresponding function codes answer
// with illegal_data_address.
func NewMemoryBackend(coilCount, discreteInputCount, inputRegisterCount, holdingRegisterCount int) *MemoryBackend {
	numBlocks := (holdingRegisterCount + registerBlockSize - 1) / registerBlockSize
	blocks := make([]*registerBlock, numBlocks)
	for i := range blocks {
		blocks[i] = &registerBlock{}
	}
	return &MemoryBackend{
		coils:          make([]bool, coilCount),
		discreteInputs: make([]bool, discreteInputCount),
		inputRegisters: make([]uint16, inputRegisterCount),
		holdingBlocks:  blocks,
		holdingCount:   holdingRegisterCount,
		vendor:         Vendor,
		product:        ProductName,
		version:        Version(),
	}
}

// SetDeviceIdentification overrides the vendor/product/version strings
// reported by GetBasicDeviceIdentification. By default a MemoryBackend
// reports this library's own identity.
func (b *MemoryBackend) SetDeviceIdentification(vendor, product, version string) {
	b.vendor, b.product, b.version = vendor, product, version
}

func checkRange(addr, quantity uint16, total int) error {
	if int(addr)+int(quantity) > total {
		return newError(KindIllegalDataAddress, "")
	}
	return nil
}

func (b *MemoryBackend) ReadCoils(_ context.Context, addr, quantity uint16) ([]bool, error) {
	if err := checkRange(addr, quantity, len(b.coils)); err != nil {
		return nil, err
	}
	b.coilsMx.RLock()
	defer b.coilsMx.RUnlock()
	out := make([]bool, quantity)
	copy(out, b.coils[addr:int(addr)+int(quantity)])
	return out, nil
}

func (b *MemoryBackend) ReadDiscreteInputs(_ context.Context, addr, quantity uint16) ([]bool, error) {
	if err := checkRange(addr, quantity, len(b.discreteInputs)); err != nil {
		return nil, err
	}
	b.discreteMx.RLock()
	defer b.discreteMx.RUnlock()
	out := make([]bool, quantity)
	copy(out, b.discreteInputs[addr:int(addr)+int(quantity)])
	return out, nil
}

func (b *MemoryBackend) ReadInputRegisters(_ context.Context, addr, quantity uint16) ([]uint16, error) {
	if err := checkRange(addr, quantity, len(b.inputRegisters)); err != nil {
		return nil, err
	}
	b.inputRegMx.RLock()
	defer b.inputRegMx.RUnlock()
	out := make([]uint16, quantity)
	copy(out, b.inputRegisters[addr:int(addr)+int(quantity)])
	return out, nil
}

func (b *MemoryBackend) WriteCoils(_ context.Context, addr uint16, values []bool) error {
	if err := checkRange(addr, uint16(len(values)), len(b.coils)); err != nil {
		return err
	}
	b.coilsMx.Lock()
	defer b.coilsMx.Unlock()
	copy(b.coils[addr:], values)
	return nil
}

// blocksForRange returns the distinct blocks overlapping [addr, addr+quantity).
func (b *MemoryBackend) blocksForRange(addr, quantity uint16) []*registerBlock {
	first := int(addr) / registerBlockSize
	last := (int(addr) + int(quantity) - 1) / registerBlockSize
	blocks := make([]*registerBlock, 0, last-first+1)
	for i := first; i <= last; i++ {
		blocks = append(blocks, b.holdingBlocks[i])
	}
	return blocks
}

func lockersFor(blocks []*registerBlock, write bool) []sync.Locker {
	lockers := make([]sync.Locker, len(blocks))
	for i, blk := range blocks {
		if write {
			lockers[i] = &blk.mx
		} else {
			lockers[i] = blk.mx.RLocker()
		}
	}
	return lockers
}

func (b *MemoryBackend) readHoldingLocked(addr, quantity uint16) []uint16 {
	out := make([]uint16, quantity)
	for i := uint16(0); i < quantity; i++ {
		a := int(addr) + int(i)
		out[i] = b.holdingBlocks[a/registerBlockSize].data[a%registerBlockSize]
	}
	return out
}

func (b *MemoryBackend) writeHoldingLocked(addr uint16, values []uint16) {
	for i, v := range values {
		a := int(addr) + i
		b.holdingBlocks[a/registerBlockSize].data[a%registerBlockSize] = v
	}
}

func (b *MemoryBackend) ReadHoldingRegisters(_ context.Context, addr, quantity uint16) ([]uint16, error) {
	if err := checkRange(addr, quantity, b.holdingCount); err != nil {
		return nil, err
	}
	blocks := b.blocksForRange(addr, quantity)
	ml := multilocker.New(lockersFor(blocks, false)...)
	ml.Lock()
	defer ml.Unlock()
	return b.readHoldingLocked(addr, quantity), nil
}

func (b *MemoryBackend) WriteHoldingRegisters(_ context.Context, addr uint16, values []uint16) error {
	if err := checkRange(addr, uint16(len(values)), b.holdingCount); err != nil {
		return err
	}
	blocks := b.blocksForRange(addr, uint16(len(values)))
	ml := multilocker.New(lockersFor(blocks, true)...)
	ml.Lock()
	defer ml.Unlock()
	b.writeHoldingLocked(addr, values)
	return nil
}

func (b *MemoryBackend) WriteReadHoldingRegisters(
	_ context.Context,
	writeAddr uint16, writeValues []uint16,
	readAddr uint16, readQuantity uint16,
) ([]uint16, error) {
	total := b.holdingCount
	if err := checkRange(writeAddr, uint16(len(writeValues)), total); err != nil {
		return nil, err
	}
	if err := checkRange(readAddr, readQuantity, total); err != nil {
		return nil, err
	}

	writeBlocks := b.blocksForRange(writeAddr, uint16(len(writeValues)))
	readBlocks := b.blocksForRange(readAddr, readQuantity)
	combined := make([]*registerBlock, 0, len(writeBlocks)+len(readBlocks))
	seen := make(map[*registerBlock]bool, cap(combined))
	for _, blk := range append(writeBlocks, readBlocks...) {
		if seen[blk] {
			continue
		}
		seen[blk] = true
		combined = append(combined, blk)
	}

	ml := multilocker.New(lockersFor(combined, true)...)
	ml.Lock()
	defer ml.Unlock()

	b.writeHoldingLocked(writeAddr, writeValues)
	return b.readHoldingLocked(readAddr, readQuantity), nil
}

func (b *MemoryBackend) GetBasicDeviceIdentification(context.Context) (string, string, string, error) {
	return b.vendor, b.product, b.version, nil
}

var _ Backend = (*MemoryBackend)(nil)
