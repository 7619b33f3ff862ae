package hypervisor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewGuestContext(t *testing.T) {
	ctx := NewGuestContext(GuestEntry)

	want := GuestCPUState{
		Hstatus: HstatusSPV | HstatusSPVP,
		Sstatus: SstatusSPP,
		Sepc:    0x8020_0000,
	}
	if diff := cmp.Diff(want, ctx.Guest); diff != "" {
		t.Errorf("initial guest state mismatch (-want +got):\n%s", diff)
	}
	if ctx.Host != (HostCPUState{}) {
		t.Errorf("host state not zero: %+v", ctx.Host)
	}
}

func TestInheritHostStatus(t *testing.T) {
	const (
		vsxl64 = 2 << 32
		vsbe   = 1 << 5
	)
	h := newFakeHart()
	h.csr[CSRHstatus] = vsxl64 | vsbe
	h.csr[CSRSstatus] = vsxl64 | SstatusSIE

	ctx := NewGuestContext(GuestEntry)
	ctx.InheritHostStatus(h)

	wantH := uint64(vsxl64 | vsbe | HstatusSPV | HstatusSPVP)
	if ctx.Guest.Hstatus != wantH {
		t.Errorf("guest hstatus = 0x%x, want 0x%x", ctx.Guest.Hstatus, wantH)
	}
	if got := h.csr[CSRHstatus]; got != wantH {
		t.Errorf("hart hstatus = 0x%x, want 0x%x written back", got, wantH)
	}
	if want := uint64(vsxl64 | SstatusSIE | SstatusSPP); ctx.Guest.Sstatus != want {
		t.Errorf("guest sstatus = 0x%x, want 0x%x", ctx.Guest.Sstatus, want)
	}
	if got := h.csr[CSRSstatus]; got != vsxl64|SstatusSIE {
		t.Errorf("hart sstatus modified: 0x%x", got)
	}
}

func TestAdvancePC(t *testing.T) {
	ctx := NewGuestContext(GuestEntry)
	ctx.AdvancePC()
	ctx.AdvancePC()
	if ctx.Guest.Sepc != GuestEntry+8 {
		t.Errorf("sepc = 0x%x, want 0x%x", ctx.Guest.Sepc, GuestEntry+8)
	}
}

func TestHgatpEncoding(t *testing.T) {
	tests := []struct {
		root uint64
		want uint64
	}{
		{0x8000_0000, 8<<60 | 0x80000},
		{0x10_0000_4000, 8<<60 | 0x1000004},
		{0, 8 << 60},
	}
	for _, tt := range tests {
		got := EncodeHgatp(tt.root)
		if got != tt.want {
			t.Errorf("EncodeHgatp(0x%x) = 0x%x, want 0x%x", tt.root, got, tt.want)
		}
		mode, root := DecodeHgatp(got)
		if mode != HgatpModeSv39x4 || root != tt.root {
			t.Errorf("DecodeHgatp(0x%x) = (%d, 0x%x), want (8, 0x%x)", got, mode, root, tt.root)
		}
	}
}

func TestStage2Activate(t *testing.T) {
	h := newFakeHart()
	s := NewStage2(h)
	if s.Active() {
		t.Fatal("new Stage2 already active")
	}

	const root = 0x8000_4000
	if err := s.Activate(root); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if got := h.csr[CSRHgatp]; got != EncodeHgatp(root) {
		t.Errorf("hgatp = 0x%x, want 0x%x", got, EncodeHgatp(root))
	}
	if h.fences != 1 {
		t.Errorf("hfence.gvma ran %d times, want 1", h.fences)
	}
	if !s.Active() || s.Root() != root {
		t.Errorf("Active()=%v Root()=0x%x", s.Active(), s.Root())
	}

	err := s.Activate(0x9000_0000)
	if !errors.Is(err, ErrStage2AlreadyActive) {
		t.Errorf("second Activate: err = %v, want ErrStage2AlreadyActive", err)
	}
	if h.csr[CSRHgatp] != EncodeHgatp(root) || h.fences != 1 {
		t.Error("second Activate touched hgatp or fenced")
	}
}

func TestStage2RejectsMisalignedRoot(t *testing.T) {
	for _, root := range []uint64{0x8000_1000, 0x8000_2000, 0x8000_0010} {
		h := newFakeHart()
		s := NewStage2(h)
		err := s.Activate(root)
		if !errors.Is(err, ErrInvalidAlignment) {
			t.Errorf("Activate(0x%x): err = %v, want ErrInvalidAlignment", root, err)
		}
		if _, ok := h.csr[CSRHgatp]; ok || h.fences != 0 || s.Active() {
			t.Errorf("Activate(0x%x) changed state despite failing", root)
		}
	}
}
