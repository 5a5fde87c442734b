//go:build linux && !cgo && (amd64 || arm64 || 386 || arm || riscv64)

package ioctl

// See /usr/include/linux/nbd.h; _IO(0xab, n) on architectures where
// _IOC_NONE is 0

const (
	NEGOTIATION_IOCTL_SET_SOCK        = 43776
	NEGOTIATION_IOCTL_SET_BLOCKSIZE   = 43777
	NEGOTIATION_IOCTL_SET_SIZE_BLOCKS = 43783
	NEGOTIATION_IOCTL_SET_TIMEOUT     = 43785
	NEGOTIATION_IOCTL_SET_FLAGS       = 43786
	NEGOTIATION_IOCTL_DO_IT           = 43779
)
