package lib

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeSegment lets gopacket decode captured chat frames.
var LayerTypeSegment = gopacket.RegisterLayerType(1780, gopacket.LayerTypeMetadata{
	Name:    "PseudoTCPSegment",
	Decoder: gopacket.DecodeFunc(decodeSegment),
})

// RegisterPort makes gopacket decode UDP traffic on port as segments.
func RegisterPort(port int) {
	layers.RegisterUDPPortLayerType(layers.UDPPort(port), LayerTypeSegment)
}

// Segment is one frame on the wire:
//
//	0 srcPort(2) | 2 dstPort(2) | 4 seq(4) | 8 ack(4) | 12 flags(1) |
//	13 checksum(2) | 15 username(10) | 25 payload(0..64)
type Segment struct {
	SourcePort uint16
	DestPort   uint16
	SeqNumber  uint32
	AckNumber  uint32
	Flags      Flags
	Checksum   uint16
	Username   string
	Payload    []byte

	contents []byte
	chunk    *rp.Element // pooled payload storage, see attachPayload
	received time.Time
}

func NewSegment(srcPort, dstPort uint16, seq, ack uint32, flags Flags, username string, payload []byte) (*Segment, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("new segment with %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	s := &Segment{
		SourcePort: srcPort,
		DestPort:   dstPort,
		SeqNumber:  seq,
		AckNumber:  ack,
		Flags:      flags,
		Username:   truncateUsername(username),
		Payload:    payload,
	}
	s.updateChecksum()
	return s, nil
}

func newControlSegment(flags Flags, username string, seq, ack uint32) *Segment {
	s := &Segment{SeqNumber: seq, AckNumber: ack, Flags: flags, Username: truncateUsername(username)}
	s.updateChecksum()
	return s
}

func SynSegment(username string, seq uint32) *Segment {
	return newControlSegment(SYNFlag, username, seq, 0)
}

func SynAckSegment(username string, seq, ack uint32) *Segment {
	return newControlSegment(SYNFlag|ACKFlag, username, seq, ack)
}

func AckSegment(username string, seq, ack uint32) *Segment {
	return newControlSegment(ACKFlag, username, seq, ack)
}

func FinSegment(username string, seq, ack uint32) *Segment {
	return newControlSegment(FINFlag, username, seq, ack)
}

func FinAckSegment(username string, seq, ack uint32) *Segment {
	return newControlSegment(FINFlag|ACKFlag, username, seq, ack)
}

// PshSegment with an empty payload is a heartbeat.
func PshSegment(username string, seq, ack uint32) *Segment {
	return newControlSegment(PSHFlag, username, seq, ack)
}

func (s *Segment) SetPayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("set payload with %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	s.Release()
	s.Payload = payload
	s.updateChecksum()
	return nil
}

func (s *Segment) SetSeqNumber(seq uint32) {
	s.SeqNumber = seq
	s.updateChecksum()
}

func (s *Segment) SetAckNumber(ack uint32) {
	s.AckNumber = ack
	s.updateChecksum()
}

func (s *Segment) SetFlags(flags Flags) {
	s.Flags = flags
	s.updateChecksum()
}

func (s *Segment) SetUsername(username string) {
	s.Username = truncateUsername(username)
	s.updateChecksum()
}

// SetPorts stamps the informational port fields.
func (s *Segment) SetPorts(src, dst uint16) {
	s.SourcePort = src
	s.DestPort = dst
	s.updateChecksum()
}

// End is the sequence number right after this segment's payload.
func (s *Segment) End() uint32 {
	return SeqIncrementBy(s.SeqNumber, uint32(len(s.Payload)))
}

// IsHeartbeat reports a PSH segment with no payload and no FIN.
func (s *Segment) IsHeartbeat() bool {
	return s.Flags == PSHFlag && len(s.Payload) == 0
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d user=%q len=%d", s.Flags, s.SeqNumber, s.AckNumber, s.Username, len(s.Payload))
}

func (s *Segment) putHeader(frame []byte) {
	binary.BigEndian.PutUint16(frame[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], s.DestPort)
	binary.BigEndian.PutUint32(frame[4:8], s.SeqNumber)
	binary.BigEndian.PutUint32(frame[8:12], s.AckNumber)
	frame[12] = byte(s.Flags)
	binary.BigEndian.PutUint16(frame[checksumOffset:checksumOffset+2], 0)
	name := frame[usernameOffset:HeaderLength]
	n := copy(name, s.Username)
	for i := n; i < len(name); i++ {
		name[i] = 0
	}
	copy(frame[HeaderLength:], s.Payload)
}

func (s *Segment) updateChecksum() {
	var buf [MaxFrameLength]byte
	frame := buf[:HeaderLength+len(s.Payload)]
	s.putHeader(frame)
	s.Checksum = CalculateChecksum(frame)
}

// LayerType, LayerContents and LayerPayload implement gopacket.Layer.
func (s *Segment) LayerType() gopacket.LayerType { return LayerTypeSegment }
func (s *Segment) LayerContents() []byte         { return s.contents }
func (s *Segment) LayerPayload() []byte          { return s.Payload }

func (s *Segment) CanDecode() gopacket.LayerClass { return LayerTypeSegment }

func (s *Segment) NextLayerType() gopacket.LayerType {
	if len(s.Payload) == 0 {
		return gopacket.LayerTypeZero
	}
	return gopacket.LayerTypePayload
}

// SerializeTo writes the header, username and payload. The checksum field
// is recomputed when opts.ComputeChecksums is set.
func (s *Segment) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(s.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	frame, err := b.PrependBytes(HeaderLength + len(s.Payload))
	if err != nil {
		return err
	}
	s.putHeader(frame)
	if opts.ComputeChecksums {
		s.Checksum = CalculateChecksum(frame)
	}
	binary.BigEndian.PutUint16(frame[checksumOffset:checksumOffset+2], s.Checksum)
	return nil
}

// DecodeFromBytes parses a frame. Payload references data; callers that
// reuse data must copy it first.
func (s *Segment) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLength {
		df.SetTruncated()
		return fmt.Errorf("frame of %d bytes: %w", len(data), ErrMalformedFrame)
	}
	if len(data) > MaxFrameLength {
		return fmt.Errorf("frame carries %d payload bytes: %w", len(data)-HeaderLength, ErrMalformedFrame)
	}
	s.SourcePort = binary.BigEndian.Uint16(data[0:2])
	s.DestPort = binary.BigEndian.Uint16(data[2:4])
	s.SeqNumber = binary.BigEndian.Uint32(data[4:8])
	s.AckNumber = binary.BigEndian.Uint32(data[8:12])
	s.Flags = Flags(data[12])
	s.Checksum = binary.BigEndian.Uint16(data[checksumOffset : checksumOffset+2])
	s.Username = decodeUsername(data[usernameOffset:HeaderLength])
	s.contents = data[:HeaderLength]
	s.Payload = nil
	if len(data) > HeaderLength {
		s.Payload = data[HeaderLength:]
	}
	return nil
}

func decodeSegment(data []byte, p gopacket.PacketBuilder) error {
	s := &Segment{}
	if err := s.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(s)
	if len(s.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// Encode serializes seg with a freshly computed checksum.
func Encode(seg *Segment) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, seg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", seg, err)
	}
	return buf.Bytes(), nil
}

// Decode parses b and reports whether its checksum is valid. A checksum
// mismatch is not an error.
func Decode(b []byte) (*Segment, bool, error) {
	s := &Segment{}
	if err := s.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, false, err
	}
	return s, VerifyChecksum(b), nil
}

// VerifyChecksum recomputes the checksum of frame with its checksum field zeroed.
func VerifyChecksum(frame []byte) bool {
	if len(frame) < HeaderLength || len(frame) > MaxFrameLength {
		return false
	}
	var buf [MaxFrameLength]byte
	n := copy(buf[:], frame)
	received := binary.BigEndian.Uint16(buf[checksumOffset : checksumOffset+2])
	binary.BigEndian.PutUint16(buf[checksumOffset:checksumOffset+2], 0)
	return CalculateChecksum(buf[:n]) == received
}

// CalculateChecksum returns the one's complement of the one's complement
// sum of the big-endian 16-bit words of buffer, odd length zero padded.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32

	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	for cksum>>16 != 0 {
		cksum = (cksum >> 16) + (cksum & 0xffff)
	}
	return ^uint16(cksum)
}

func truncateUsername(name string) string {
	if len(name) > UsernameLength {
		return decodeUsername([]byte(name[:UsernameLength]))
	}
	return name
}

func decodeUsername(field []byte) string {
	return strings.ToValidUTF8(strings.TrimRight(string(field), "\x00"), "")
}

// attachPayload copies data into pooled storage. Release returns it.
func (s *Segment) attachPayload(data []byte) {
	if len(data) == 0 {
		s.Payload = nil
		return
	}
	if Pool != nil {
		if el := Pool.GetElement(); el != nil {
			p := el.Data.(*Payload)
			if err := p.Copy(data); err == nil {
				s.chunk = el
				s.Payload = p.GetSlice()
				return
			}
			Pool.ReturnElement(el)
		}
	}
	s.Payload = append([]byte(nil), data...)
}

// Release hands pooled payload storage back. The payload must not be used afterwards.
func (s *Segment) Release() {
	if s.chunk != nil {
		Pool.ReturnElement(s.chunk)
		s.chunk = nil
		s.Payload = nil
	}
}
