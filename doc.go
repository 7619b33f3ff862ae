// Package hypervisor is the control core of a minimal RISC-V H-extension
// type-1 hypervisor running one guest in VS-mode.
//
// Provides the guest context, the world-switch trampoline, stage-2
// (Sv39x4) translation, SBI call decoding and VM-exit dispatch.
//
// # Requirements
//
// The core never touches CSRs directly. Everything privileged goes through
// a Hart supplied by the caller. Inside this module that is the software
// hart in internal/rvsim, which executes RV64I guests and reports traps the
// way hardware does; it is internal, so code outside the module provides
// its own Hart implementation.
//
// # Basic Usage
//
// Check if the host hart implements the H extension:
//
//	supported, err := hypervisor.Supported()
//	if err != nil || !supported {
//		log.Println("no H extension; guests run on the software hart")
//	}
//
// Create guest memory and a VM on a caller-supplied hart:
//
//	as := hypervisor.NewAddressSpace()
//	if _, err := as.AllocateRAM(hypervisor.GuestEntry, 16<<20, hypervisor.MemRWX); err != nil {
//		log.Fatal("Failed to allocate guest RAM:", err)
//	}
//
//	var hart hypervisor.Hart = newHart(as) // your Hart implementation
//
//	// Only one VM may exist per process.
//	vm, err := hypervisor.NewVM(hart, as, hypervisor.Config{
//		Image:     bytes.NewReader(image),
//		ImageSize: int64(len(image)),
//		MaxExits:  4096,
//	})
//	if err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//	defer vm.Close()
//
// Run the guest until it shuts down:
//
//	res, err := vm.Run()
//	if err != nil {
//		log.Fatal("guest failed:", err)
//	}
//	for _, e := range res.Exits {
//		fmt.Printf("%v at 0x%x -> %v\n", e.Cause, e.Sepc, e.Outcome)
//	}
//
// # Error Handling
//
// Errors are HVError values carrying an ErrorCode. Use errors.Is with the
// exported sentinels (ErrUnhandledTrap, ErrCallDecode, ...) to match on
// the code.
//
// # Exit Handling
//
// The guest may read mhartid (emulated), take load guest-page faults
// (skipped) and timer interrupts (forwarded through hvip.VSTIP), and end
// itself with an SBI SRST system_reset carrying a0=0x6688 a1=0x1234. Any
// other trap ends the run with an error.
package hypervisor
