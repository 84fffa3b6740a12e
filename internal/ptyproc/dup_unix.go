//go:build !windows

package ptyproc

import "syscall"

func syscallDup(fd int) int {
	newFd, err := syscall.Dup(fd)
	if err != nil {
		return -1
	}
	return newFd
}
