package pcapfile

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

const acceptAll = 0xffff

// tcpFilter returns a BPF program accepting IPv4/TCP frames of the given link type.
func tcpFilter(lt layers.LinkType) ([]bpf.Instruction, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: 12, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.EthernetTypeIPv4), SkipFalse: 3},
			bpf.LoadAbsolute{Off: 23, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.IPProtocolTCP), SkipFalse: 1},
			bpf.RetConstant{Val: acceptAll},
			bpf.RetConstant{Val: 0},
		}, nil
	case layers.LinkTypeRaw:
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: 0, Size: 1},
			bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x40, SkipFalse: 3},
			bpf.LoadAbsolute{Off: 9, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.IPProtocolTCP), SkipFalse: 1},
			bpf.RetConstant{Val: acceptAll},
			bpf.RetConstant{Val: 0},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported link type %s", lt)
	}
}

// compileFilter assembles the program, checking it is valid, and loads it into a VM.
func compileFilter(lt layers.LinkType) (*bpf.VM, error) {
	prog, err := tcpFilter(lt)
	if err != nil {
		return nil, err
	}
	if _, err := bpf.Assemble(prog); err != nil {
		return nil, fmt.Errorf("failed to assemble BPF filter: %w", err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF filter: %w", err)
	}
	return vm, nil
}
