package hypervisor

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config describes the single guest a VM runs.
type Config struct {
	// Entry is the guest-physical entry address; GuestEntry when zero.
	Entry uint64
	// Image, when set, is loaded into the address space before the
	// context is built.
	Image     io.ReaderAt
	ImageSize int64
	// MaxExits stops a run that has not shut down after this many exits.
	// Zero means no limit.
	MaxExits int
	Logger   logrus.FieldLogger
}

// VM is the one virtual machine this process may run.
type VM struct {
	hart       Hart
	aspace     GuestAddressSpace
	ctx        *GuestContext
	trampoline *Trampoline
	stage2     *Stage2
	dispatcher *Dispatcher
	maxExits   int
	log        logrus.FieldLogger

	ran     bool
	closed  bool
	closeMu sync.Mutex
}

var (
	vmMu     sync.Mutex
	vmActive bool
)

// NewVM prepares a guest on hart: it loads the image if one is configured,
// builds the initial context and activates stage-2 translation for
// aspace. Only one VM may exist per process.
func NewVM(hart Hart, aspace GuestAddressSpace, cfg Config) (*VM, error) {
	if hart == nil || aspace == nil {
		return nil, fmt.Errorf("hv: NewVM requires a hart and an address space")
	}

	vmMu.Lock()
	defer vmMu.Unlock()

	if vmActive {
		return nil, ErrVMAlreadyActive
	}

	log := cfg.Logger
	if log == nil {
		log = discardLogger()
	}
	entry := cfg.Entry
	if entry == 0 {
		entry = GuestEntry
	}

	if cfg.Image != nil {
		if err := LoadImage(aspace, cfg.Image, cfg.ImageSize, entry); err != nil {
			return nil, fmt.Errorf("cannot load guest image: %w", err)
		}
	}

	ctx := NewGuestContext(entry)
	ctx.InheritHostStatus(hart)

	// VS-level interrupts belong to the guest; hvip.VSTIP only becomes
	// visible in vsip once it is delegated.
	hart.WriteCSR(CSRHideleg, VSInterrupts)

	stage2 := NewStage2(hart)
	if err := stage2.Activate(aspace.PageTableRoot()); err != nil {
		return nil, fmt.Errorf("failed to activate stage-2 translation: %w", err)
	}

	vmActive = true
	log.WithFields(logrus.Fields{
		"entry": fmt.Sprintf("0x%x", entry),
		"hgatp": fmt.Sprintf("0x%x", hart.ReadCSR(CSRHgatp)),
	}).Debug("vm created")

	return &VM{
		hart:       hart,
		aspace:     aspace,
		ctx:        ctx,
		trampoline: NewTrampoline(hart),
		stage2:     stage2,
		dispatcher: NewDispatcher(hart, log),
		maxExits:   cfg.MaxExits,
		log:        log,
	}, nil
}

// Context returns the guest context. It must not be modified while Run is
// in progress.
func (vm *VM) Context() *GuestContext { return vm.ctx }

// Close releases the address space and allows another VM to be created.
// Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()

	if vm.closed {
		return nil
	}
	vm.closed = true

	vmMu.Lock()
	vmActive = false
	vmMu.Unlock()

	if err := vm.aspace.Close(); err != nil {
		return fmt.Errorf("failed to release guest memory: %w", err)
	}
	return nil
}
