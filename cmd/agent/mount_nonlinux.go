//go:build !linux

package main

import "fmt"

func mountSystem() {
	fmt.Println("[agent] Non-linux platform, skipping system mounts")
}

func mountDepsDrive() bool {
	fmt.Println("[agent] Non-linux platform, skipping dependency drive mount")
	return false
}
