package hypervisor

import "fmt"

const (
	// GuestPageSize is the stage-2 translation granule.
	GuestPageSize = 4096
	// Stage2RootAlign is the alignment of an x4 root table, which spans
	// four pages.
	Stage2RootAlign = 4 * GuestPageSize
)

// Stage2 owns the guest-physical to host-physical translation root.
type Stage2 struct {
	csrs   CSRFile
	root   uint64
	active bool
}

// NewStage2 returns an inactive stage-2 controller for csrs.
func NewStage2(csrs CSRFile) *Stage2 {
	return &Stage2{csrs: csrs}
}

// EncodeHgatp builds an Sv39x4 hgatp value for the page-table root at root.
func EncodeHgatp(root uint64) uint64 {
	return HgatpModeSv39x4<<HgatpModeShift | (root>>12)&HgatpPPNMask
}

// DecodeHgatp splits an hgatp value into its mode and root address.
func DecodeHgatp(hgatp uint64) (mode, root uint64) {
	return hgatp >> HgatpModeShift, (hgatp & HgatpPPNMask) << 12
}

// Activate installs root and flushes every cached guest-physical
// translation so nothing from host setup or an earlier VM survives. It
// must run once before the first guest entry; the root cannot be changed
// afterwards.
func (s *Stage2) Activate(root uint64) error {
	if s.active {
		return ErrStage2AlreadyActive
	}
	if root%Stage2RootAlign != 0 {
		return fmt.Errorf("%w: stage-2 root 0x%x", ErrInvalidAlignment, root)
	}
	s.csrs.WriteCSR(CSRHgatp, EncodeHgatp(root))
	s.csrs.FenceGVMA()
	s.root = root
	s.active = true
	return nil
}

// Active reports whether Activate has run.
func (s *Stage2) Active() bool { return s.active }

// Root returns the installed root, or zero before activation.
func (s *Stage2) Root() uint64 { return s.root }
