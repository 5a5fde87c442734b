//go:build linux && !cgo && (amd64 || arm64 || 386 || arm || riscv64)

package ioctl

const (
	TRANSMISSION_IOCTL_CLEAR_SOCK = 43780
	TRANSMISSION_IOCTL_CLEAR_QUE  = 43781
	TRANSMISSION_IOCTL_DISCONNECT = 43784
)
