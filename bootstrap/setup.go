package bootstrap

import (
	"encoding/binary"
	"fmt"

	"github.com/parallelcore/mkinit/captransfer"
	"github.com/parallelcore/mkinit/kernel"
	"github.com/parallelcore/mkinit/ramalloc"
	"github.com/parallelcore/mkinit/transport"
)

// SetupMessage is the fixed 32-byte setup_msg_0 of spec.md §6.2,
// sent immediately after the secondary core starts.
type SetupMessage struct {
	RAMBase      uint64
	RAMLength    uint64
	BootinfoSize uint64
	MMStringBase uint64
}

const setupMessageLen = 32

func encodeSetupMessage(m SetupMessage) []byte {
	b := make([]byte, setupMessageLen)
	binary.LittleEndian.PutUint64(b[0:8], m.RAMBase)
	binary.LittleEndian.PutUint64(b[8:16], m.RAMLength)
	binary.LittleEndian.PutUint64(b[16:24], m.BootinfoSize)
	binary.LittleEndian.PutUint64(b[24:32], m.MMStringBase)
	return b
}

func decodeSetupMessage(b []byte) (SetupMessage, error) {
	if len(b) != setupMessageLen {
		return SetupMessage{}, fmt.Errorf("bootstrap: setup message is %d bytes, want %d", len(b), setupMessageLen)
	}
	return SetupMessage{
		RAMBase:      binary.LittleEndian.Uint64(b[0:8]),
		RAMLength:    binary.LittleEndian.Uint64(b[8:16]),
		BootinfoSize: binary.LittleEndian.Uint64(b[16:24]),
		MMStringBase: binary.LittleEndian.Uint64(b[24:32]),
	}, nil
}

// MMStringPageSize is the fixed multiboot-strings page size of
// spec.md §6.2.
const MMStringPageSize = PageSize

// SendHandoff transmits the cross-core boot message of spec.md §6.2
// over ch, in order: setup_msg_0, bootinfo bytes, the multiboot
// strings page, then one cap-transfer record per non-empty module
// CNode slot. It uses the blocking primitives exclusively, per
// spec.md §4.2: "used only during boot, where no other concurrency
// exists".
func SendHandoff(ch transport.BlockingChannel, ramBase, ramLength uint64, bootinfo []byte, mmStrings [MMStringPageSize]byte, moduleSlots []kernel.CapRef, k kernel.Ops) error {
	msg := SetupMessage{
		RAMBase:      ramBase,
		RAMLength:    ramLength,
		BootinfoSize: uint64(len(bootinfo)),
		MMStringBase: 0, // the receiver maps the strings page itself; this field documents intent on real hardware, where it is a physical address the sender already knows
	}
	if err := ch.SendBlocking(transport.Frame{Payload: encodeSetupMessage(msg)}); err != nil {
		return fmt.Errorf("bootstrap: send setup message: %w", err)
	}

	if err := transport.SendVariable(ch, bootinfo, 4096); err != nil {
		return fmt.Errorf("bootstrap: send bootinfo: %w", err)
	}

	if err := ch.SendBlocking(transport.Frame{Payload: mmStrings[:]}); err != nil {
		return fmt.Errorf("bootstrap: send multiboot strings page: %w", err)
	}

	// Module caps are *copied*, not moved: the sender keeps using them
	// itself (spec.md §9 design note).
	for _, slot := range moduleSlots {
		t, err := captransfer.Copy(k, slot)
		if err != nil {
			return fmt.Errorf("bootstrap: copy-transfer module cap %s: %w", slot, err)
		}
		payload, err := encodeTransfer(t)
		if err != nil {
			return err
		}
		if err := ch.SendBlocking(transport.Frame{Payload: payload}); err != nil {
			return fmt.Errorf("bootstrap: send module cap-transfer record: %w", err)
		}
	}
	// A zero-length terminator frame lets the receiver know the module
	// list is complete without needing an out-of-band count.
	return ch.SendBlocking(transport.Frame{Payload: nil})
}

// Mirror is the secondary core's half of spec.md §4.4: it receives the
// handoff SendHandoff sent, initialises its own RAM allocator from the
// delivered range, and reconstructs every module cap.
type Mirror struct {
	Self   kernel.CoreID
	Kernel kernel.Ops
	CNode  uint32 // the CNode new module caps are materialised into
}

// Receive drains ch for the full handoff sequence and returns the new
// core's RAM pool, the bootinfo bytes, the multiboot strings page, and
// the reconstructed module caps, in the order the BSP enumerated them.
func (m *Mirror) Receive(ch transport.BlockingChannel) (*ramalloc.Pool, []byte, [MMStringPageSize]byte, []kernel.CapRef, error) {
	var mmStrings [MMStringPageSize]byte

	hdr, err := ch.RecvBlocking()
	if err != nil {
		return nil, nil, mmStrings, nil, fmt.Errorf("bootstrap: recv setup message: %w", err)
	}
	setup, err := decodeSetupMessage(hdr.Payload)
	if err != nil {
		return nil, nil, mmStrings, nil, err
	}

	bootinfo, err := transport.RecvVariable(ch, 4096)
	if err != nil {
		return nil, nil, mmStrings, nil, fmt.Errorf("bootstrap: recv bootinfo: %w", err)
	}

	strFrame, err := ch.RecvBlocking()
	if err != nil {
		return nil, nil, mmStrings, nil, fmt.Errorf("bootstrap: recv multiboot strings page: %w", err)
	}
	copy(mmStrings[:], strFrame.Payload)

	var moduleCaps []kernel.CapRef
	nextSlot := uint32(1)
	for {
		f, err := ch.RecvBlocking()
		if err != nil {
			return nil, nil, mmStrings, nil, fmt.Errorf("bootstrap: recv module cap-transfer record: %w", err)
		}
		if len(f.Payload) == 0 {
			break
		}
		t, err := decodeTransfer(f.Payload)
		if err != nil {
			return nil, nil, mmStrings, nil, err
		}
		dest := kernel.CapRef{CNode: m.CNode, Slot: nextSlot}
		nextSlot++
		if err := captransfer.FromTransfer(m.Kernel, t, dest); err != nil {
			return nil, nil, mmStrings, nil, fmt.Errorf("bootstrap: reconstruct module cap: %w", err)
		}
		moduleCaps = append(moduleCaps, dest)
	}

	pool := ramalloc.New(m.Kernel, m.CNode, setup.RAMLength)
	return pool, bootinfo, mmStrings, moduleCaps, nil
}

// encodeTransfer/decodeTransfer give captransfer.Transfer a minimal
// wire encoding for the boot-time handoff, ahead of package wire's
// gob-based codec being available (gob needs the async multiplexer
// the secondary core has not switched into yet — spec.md §4.4's last
// step: "then switches its URPC to asynchronous multiplexed mode").
func encodeTransfer(t captransfer.Transfer) ([]byte, error) {
	b := make([]byte, 1+2+8+8+1+1)
	if t.Valid {
		b[0] = 1
	}
	binary.LittleEndian.PutUint16(b[1:3], uint16(t.Identity.Type))
	binary.LittleEndian.PutUint64(b[3:11], t.Identity.Base)
	binary.LittleEndian.PutUint64(b[11:19], t.Identity.Bytes)
	b[19] = byte(t.Owner)
	b[20] = byte(t.Relations)
	return b, nil
}

func decodeTransfer(b []byte) (captransfer.Transfer, error) {
	if len(b) != 21 {
		return captransfer.Transfer{}, fmt.Errorf("bootstrap: malformed cap-transfer record (%d bytes)", len(b))
	}
	return captransfer.Transfer{
		Valid: b[0] == 1,
		Identity: kernel.Identity{
			Type:  kernel.Type(binary.LittleEndian.Uint16(b[1:3])),
			Base:  binary.LittleEndian.Uint64(b[3:11]),
			Bytes: binary.LittleEndian.Uint64(b[11:19]),
		},
		Owner:     kernel.CoreID(b[19]),
		Relations: kernel.Relations(b[20]),
	}, nil
}
