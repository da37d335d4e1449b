// Package netflow decodes NetFlow v5 export datagrams.
package netflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket/layers"

	"flowsentry/pkg/models"
)

const (
	// Version is the only export version accepted by Decode.
	Version = 5
	// HeaderLen is the size of the v5 packet header.
	HeaderLen = 24
	// RecordLen is the size of one v5 flow record.
	RecordLen = 48
	// DefaultPort is the conventional NetFlow listening port.
	DefaultPort = 2055
)

// Protocol numbers.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

var (
	// ErrShortPacket is returned for datagrams smaller than a header.
	ErrShortPacket = errors.New("netflow: packet shorter than header")
	// ErrVersion is returned for export versions other than 5.
	ErrVersion = errors.New("netflow: unsupported version")
)

// Header is the NetFlow v5 packet header.
type Header struct {
	Version          uint16
	Count            uint16
	SysUptime        uint32
	UnixSecs         uint32
	UnixNsecs        uint32
	FlowSequence     uint32
	EngineType       uint8
	EngineID         uint8
	SamplingInterval uint16
}

// Record is one NetFlow v5 flow record.
type Record struct {
	SrcAddr  net.IP
	DstAddr  net.IP
	NextHop  net.IP
	Input    uint16
	Output   uint16
	Packets  uint32
	Octets   uint32
	First    uint32
	Last     uint32
	SrcPort  uint16
	DstPort  uint16
	TCPFlags uint8
	Protocol uint8
	ToS      uint8
	SrcAS    uint16
	DstAS    uint16
	SrcMask  uint8
	DstMask  uint8
}

// Packet is a decoded export datagram.
type Packet struct {
	Header  Header
	Records []Record
	// Truncated is set when fewer records than Header.Count fit in the datagram.
	Truncated bool
}

// Decode parses a NetFlow v5 datagram. Records are decoded until Header.Count
// is reached or fewer than RecordLen bytes remain.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}

	h := Header{
		Version:          binary.BigEndian.Uint16(data[0:2]),
		Count:            binary.BigEndian.Uint16(data[2:4]),
		SysUptime:        binary.BigEndian.Uint32(data[4:8]),
		UnixSecs:         binary.BigEndian.Uint32(data[8:12]),
		UnixNsecs:        binary.BigEndian.Uint32(data[12:16]),
		FlowSequence:     binary.BigEndian.Uint32(data[16:20]),
		EngineType:       data[20],
		EngineID:         data[21],
		SamplingInterval: binary.BigEndian.Uint16(data[22:24]),
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}

	p := &Packet{Header: h, Records: make([]Record, 0, h.Count)}
	offset := HeaderLen
	for i := 0; i < int(h.Count); i++ {
		if len(data)-offset < RecordLen {
			p.Truncated = true
			break
		}
		p.Records = append(p.Records, decodeRecord(data[offset:offset+RecordLen]))
		offset += RecordLen
	}
	return p, nil
}

func decodeRecord(b []byte) Record {
	return Record{
		SrcAddr:  ipv4(b[0:4]),
		DstAddr:  ipv4(b[4:8]),
		NextHop:  ipv4(b[8:12]),
		Input:    binary.BigEndian.Uint16(b[12:14]),
		Output:   binary.BigEndian.Uint16(b[14:16]),
		Packets:  binary.BigEndian.Uint32(b[16:20]),
		Octets:   binary.BigEndian.Uint32(b[20:24]),
		First:    binary.BigEndian.Uint32(b[24:28]),
		Last:     binary.BigEndian.Uint32(b[28:32]),
		SrcPort:  binary.BigEndian.Uint16(b[32:34]),
		DstPort:  binary.BigEndian.Uint16(b[34:36]),
		TCPFlags: b[37],
		Protocol: b[38],
		ToS:      b[39],
		SrcAS:    binary.BigEndian.Uint16(b[40:42]),
		DstAS:    binary.BigEndian.Uint16(b[42:44]),
		SrcMask:  b[44],
		DstMask:  b[45],
	}
}

func ipv4(b []byte) net.IP {
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// Encode renders a header and records as a v5 datagram. Header.Count is
// taken from len(recs).
func Encode(h Header, recs []Record) []byte {
	buf := make([]byte, HeaderLen+RecordLen*len(recs))
	if h.Version == 0 {
		h.Version = Version
	}
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(recs)))
	binary.BigEndian.PutUint32(buf[4:8], h.SysUptime)
	binary.BigEndian.PutUint32(buf[8:12], h.UnixSecs)
	binary.BigEndian.PutUint32(buf[12:16], h.UnixNsecs)
	binary.BigEndian.PutUint32(buf[16:20], h.FlowSequence)
	buf[20] = h.EngineType
	buf[21] = h.EngineID
	binary.BigEndian.PutUint16(buf[22:24], h.SamplingInterval)

	for i, r := range recs {
		b := buf[HeaderLen+i*RecordLen : HeaderLen+(i+1)*RecordLen]
		copy(b[0:4], r.SrcAddr.To4())
		copy(b[4:8], r.DstAddr.To4())
		copy(b[8:12], r.NextHop.To4())
		binary.BigEndian.PutUint16(b[12:14], r.Input)
		binary.BigEndian.PutUint16(b[14:16], r.Output)
		binary.BigEndian.PutUint32(b[16:20], r.Packets)
		binary.BigEndian.PutUint32(b[20:24], r.Octets)
		binary.BigEndian.PutUint32(b[24:28], r.First)
		binary.BigEndian.PutUint32(b[28:32], r.Last)
		binary.BigEndian.PutUint16(b[32:34], r.SrcPort)
		binary.BigEndian.PutUint16(b[34:36], r.DstPort)
		b[37] = r.TCPFlags
		b[38] = r.Protocol
		b[39] = r.ToS
		binary.BigEndian.PutUint16(b[40:42], r.SrcAS)
		binary.BigEndian.PutUint16(b[42:44], r.DstAS)
		b[44] = r.SrcMask
		b[45] = r.DstMask
	}
	return buf
}

// Flow converts a record into a ledger-ready flow. Device uptime stamps are
// anchored to the header's export time:
// unix_secs*1000 - (sys_uptime - t) milliseconds.
func (r Record) Flow(h Header) models.FlowRecord {
	return models.FlowRecord{
		FlowKey: models.FlowKey{
			SrcIP:    r.SrcAddr.String(),
			DstIP:    r.DstAddr.String(),
			SrcPort:  r.SrcPort,
			DstPort:  r.DstPort,
			Protocol: r.Protocol,
		},
		Packets:   uint64(r.Packets),
		Bytes:     uint64(r.Octets),
		FlowStart: h.absolute(r.First),
		FlowEnd:   h.absolute(r.Last),
		TimesSeen: 1,
	}
}

func (h Header) absolute(uptimeMs uint32) time.Time {
	ms := int64(h.UnixSecs)*1000 - (int64(h.SysUptime) - int64(uptimeMs))
	return time.UnixMilli(ms).UTC()
}

// Flows converts every record of the packet.
func (p *Packet) Flows() []models.FlowRecord {
	out := make([]models.FlowRecord, 0, len(p.Records))
	for _, r := range p.Records {
		out = append(out, r.Flow(p.Header))
	}
	return out
}

// ProtocolName returns the IANA name of an IP protocol number.
func ProtocolName(proto uint8) string {
	return layers.IPProtocol(proto).String()
}

// ServiceName returns the well-known service name of a port for the given
// protocol, or "" when none is registered.
func ServiceName(proto uint8, port uint16) string {
	var s string
	switch proto {
	case ProtocolTCP:
		s = layers.TCPPort(port).String()
	case ProtocolUDP:
		s = layers.UDPPort(port).String()
	default:
		return ""
	}
	// gopacket renders known ports as "number(name)".
	open := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '(' {
			open = i
			break
		}
	}
	if open < 0 || s[len(s)-1] != ')' {
		return ""
	}
	return s[open+1 : len(s)-1]
}
