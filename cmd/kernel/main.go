// Command kernel is the core's entry point: it loads a flattened device
// tree blob, runs kickstart's bring-up order, starts the secondary CPUs,
// and hands off — print a banner, bring subsystems up in a fixed order,
// then block forever.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/utk-project/utk-kernel/internal/kickstart"
)

const defaultHeapSize = 16 * 1024 * 1024

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <device-tree.dtb>\n", os.Args[0])
		os.Exit(1)
	}

	blob, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: reading device tree: %v\n", err)
		os.Exit(1)
	}

	sink := log.New(os.Stdout, "", log.LstdFlags)
	fmt.Fprintln(os.Stdout, "              utk-kernel")

	k, err := kickstart.Boot(kickstart.Config{
		HeapSize:   defaultHeapSize,
		DeviceTree: blob,
		Sink:       sink,
		CPUCount:   1,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: boot failed: %v\n", err)
		os.Exit(1)
	}

	if err := k.StartCores(); err != nil {
		fmt.Fprintf(os.Stderr, "kernel: starting secondary CPUs: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "heap: %d bytes free of a %d byte region\n", k.Heap.FreeMemory(), k.Heap.RegionSize())

	// control now belongs to the scheduler; in its absence the boot CPU
	// idles.
	select {}
}
