//go:build linux

// Package tegra implements the kernel interfaces over the nvmap, nvhost-as-gpu
// and nvhost-ctrl-gpu device nodes of L4T kernels.
package tegra

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

func ionone(typ, nr uintptr) uintptr { return ioc(iocNone, typ, nr, 0) }
func iow(typ, nr, size uintptr) uintptr { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }

const (
	nvmapMagic   = 'N'
	ctrlMagic    = 'G'
	asMagic      = 'A'
	channelMagic = 'H'
	tsgMagic     = 'T'
)

type nvmapCreateArgs struct {
	Size   uint32
	Handle uint32
}

type nvmapAllocArgs struct {
	Handle   uint32
	HeapMask uint32
	Flags    uint32
	Align    uint32
}

type nvmapCacheArgs struct {
	Addr   uint64
	Handle uint32
	Len    uint32
	Op     int32
	_      uint32
}

type nvmapGetFDArgs struct {
	FD     int32
	Handle uint32
}

type ctrlAllocASArgs struct {
	BigPageSize uint32
	ASFD        int32
	Flags       uint32
	Reserved    uint32
}

// ctrlOpenChannelArgs carries the runlist in and the channel fd out.
type ctrlOpenChannelArgs struct {
	Value int32
}

type ctrlOpenTSGArgs struct {
	TSGFD    int32
	Reserved uint32
}

type ctrlCharacteristicsArgs struct {
	BufSize uint64
	BufAddr uint64
}

// rawCharacteristics is the leading part of nvgpu_gpu_characteristics. The
// kernel copies at most BufSize bytes.
type rawCharacteristics struct {
	Arch                  uint32
	Impl                  uint32
	Rev                   uint32
	NumGPC                uint32
	L2CacheSize           uint64
	VideoMemorySize       uint64
	NumTPCPerGPC          uint32
	BusType               uint32
	BigPageSize           uint32
	CompressionPageSize   uint32
	PDECoverageBitCount   uint32
	AvailableBigPageSizes uint32
	Flags                 uint64
}

type asBindChannelArgs struct {
	ChannelFD int32
}

type asUnmapBufferArgs struct {
	Offset uint64
}

type asMapBufferExArgs struct {
	Flags        uint32
	ComprKind    int16
	IncomprKind  int16
	DmabufFD     int32
	PageSize     uint32
	BufferOffset uint64
	MappingSize  uint64
	Offset       uint64
}

type channelSetNvmapFDArgs struct {
	FD int32
}

type channelAllocGPFIFOArgs struct {
	NumEntries uint32
	Flags      uint32
}

type rawFence struct {
	ID    int32
	Value uint32
}

type channelSubmitGPFIFOArgs struct {
	GPFIFO     uint64
	NumEntries uint32
	Flags      uint32
	Fence      rawFence
}

type channelAllocObjCtxArgs struct {
	ClassNum uint32
	Flags    uint32
	ObjID    uint64
}

type channelTimesliceArgs struct {
	TimesliceUS uint32
	Reserved    uint32
}

var (
	nvmapIocCreate = iowr(nvmapMagic, 0, unsafe.Sizeof(nvmapCreateArgs{}))
	nvmapIocAlloc  = iow(nvmapMagic, 3, unsafe.Sizeof(nvmapAllocArgs{}))
	nvmapIocFree   = ionone(nvmapMagic, 4)
	nvmapIocCache  = iow(nvmapMagic, 12, unsafe.Sizeof(nvmapCacheArgs{}))
	nvmapIocGetFD  = iowr(nvmapMagic, 15, unsafe.Sizeof(nvmapGetFDArgs{}))

	ctrlIocCharacteristics = iowr(ctrlMagic, 5, unsafe.Sizeof(ctrlCharacteristicsArgs{}))
	ctrlIocAllocAS         = iowr(ctrlMagic, 8, unsafe.Sizeof(ctrlAllocASArgs{}))
	ctrlIocOpenTSG         = iowr(ctrlMagic, 9, unsafe.Sizeof(ctrlOpenTSGArgs{}))
	ctrlIocOpenChannel     = iowr(ctrlMagic, 11, unsafe.Sizeof(ctrlOpenChannelArgs{}))

	asIocBindChannel = iowr(asMagic, 1, unsafe.Sizeof(asBindChannelArgs{}))
	asIocUnmapBuffer = iowr(asMagic, 5, unsafe.Sizeof(asUnmapBufferArgs{}))
	asIocMapBufferEx = iowr(asMagic, 7, unsafe.Sizeof(asMapBufferExArgs{}))

	channelIocSetNvmapFD   = iow(channelMagic, 5, unsafe.Sizeof(channelSetNvmapFDArgs{}))
	channelIocAllocGPFIFO  = iow(channelMagic, 100, unsafe.Sizeof(channelAllocGPFIFOArgs{}))
	channelIocSubmitGPFIFO = iowr(channelMagic, 107, unsafe.Sizeof(channelSubmitGPFIFOArgs{}))
	channelIocAllocObjCtx  = iowr(channelMagic, 108, unsafe.Sizeof(channelAllocObjCtxArgs{}))
	channelIocEnable       = ionone(channelMagic, 113)
	channelIocDisable      = ionone(channelMagic, 114)
	channelIocSetTimeslice = iow(channelMagic, 121, unsafe.Sizeof(channelTimesliceArgs{}))

	// The TSG requests take a pointer to the channel fd.
	tsgIocBindChannel   = iow(tsgMagic, 1, unsafe.Sizeof(int32(0)))
	tsgIocUnbindChannel = iow(tsgMagic, 2, unsafe.Sizeof(int32(0)))
)

// mapBufferDirectKind makes the kernel use the kinds passed in the request.
const mapBufferDirectKind = 1 << 8

// ioctl issues req on fd with an integer argument, retrying on EINTR.
func ioctl(fd int, req uintptr, arg uintptr) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
		if errno != unix.EINTR {
			return errnoErr(errno)
		}
	}
}

// ioctlPtr issues req on fd with a pointer to arg, retrying on EINTR.
func ioctlPtr[T any](fd int, req uintptr, arg *T) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(arg)))
		if errno != unix.EINTR {
			return errnoErr(errno)
		}
	}
}

func errnoErr(errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	return errno
}
