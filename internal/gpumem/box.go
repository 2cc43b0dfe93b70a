package gpumem

import (
	"encoding/binary"
	"errors"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
)

// BoxAlignment is the GPU address alignment of single-value allocations.
const BoxAlignment = 0x20000

// Box is an allocation holding one fixed-size value of type T, stored
// little-endian.
type Box[T any] struct {
	alloc *Allocation
	size  int
}

// NewBox allocates room for v, writes it and flushes it to the device.
func NewBox[T any](b Backing, v T) (*Box[T], error) {
	size := binary.Size(v)
	if size <= 0 {
		return nil, nverrors.Invalid("new box", "%T has no fixed size", v)
	}

	alloc, err := Allocate(b, size, BoxAlignment)
	if err != nil {
		return nil, err
	}

	box := &Box[T]{alloc: alloc, size: size}
	if err := box.Store(v); err != nil {
		return nil, errors.Join(err, alloc.Close())
	}
	return box, nil
}

// Store writes v and flushes it to the device.
func (b *Box[T]) Store(v T) error {
	buf := make([]byte, b.size)
	if _, err := binary.Encode(buf, binary.LittleEndian, v); err != nil {
		return nverrors.Invalid("store box", "encode %T: %v", v, err)
	}
	if err := b.alloc.View(func(host []byte) error {
		copy(host, buf)
		return nil
	}); err != nil {
		return err
	}
	return b.alloc.Flush()
}

// Load invalidates host caches and reads the value the device last wrote.
func (b *Box[T]) Load() (T, error) {
	var v T
	if err := b.alloc.Map(); err != nil {
		return v, err
	}
	if err := b.alloc.Invalidate(); err != nil {
		return v, err
	}
	err := b.alloc.View(func(host []byte) error {
		if _, err := binary.Decode(host, binary.LittleEndian, &v); err != nil {
			return nverrors.Invalid("load box", "decode %T: %v", v, err)
		}
		return nil
	})
	return v, err
}

// GPUAddress returns the GPU virtual address of the value.
func (b *Box[T]) GPUAddress() uint64 {
	return b.alloc.GPUAddress()
}

// Allocation returns the underlying allocation.
func (b *Box[T]) Allocation() *Allocation {
	return b.alloc
}

// Close releases the allocation.
func (b *Box[T]) Close() error {
	return b.alloc.Close()
}
