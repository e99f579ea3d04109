package lib

import "strings"

// Flags is the control flag byte of a segment.
type Flags uint8

func (f Flags) IsSyn() bool { return f&SYNFlag != 0 }
func (f Flags) IsAck() bool { return f&ACKFlag != 0 }
func (f Flags) IsFin() bool { return f&FINFlag != 0 }
func (f Flags) IsPsh() bool { return f&PSHFlag != 0 }

func (f Flags) IsSynAck() bool { return f.IsSyn() && f.IsAck() }
func (f Flags) IsFinAck() bool { return f.IsFin() && f.IsAck() }

// IsPureAck reports whether ACK is the only flag set.
func (f Flags) IsPureAck() bool { return f == ACKFlag }

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var names []string
	if f.IsSyn() {
		names = append(names, "SYN")
	}
	if f.IsPsh() {
		names = append(names, "PSH")
	}
	if f.IsFin() {
		names = append(names, "FIN")
	}
	if f.IsAck() {
		names = append(names, "ACK")
	}
	return strings.Join(names, "|")
}
