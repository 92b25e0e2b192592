// Package store implements flowd's append-only on-disk flow log: a fixed
// 16-byte header followed by an unbounded sequence of self-describing,
// field-masked records (spec §4.B, §6). Grounded on original_source/store.h
// for the exact wire shape, reworked as Go's idiomatic table-driven codec
// per spec §9's design note: a single table (the codecs map, keyed by field
// bit) of read/write/width entries rather than the C source's open-coded per-field branches.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"flowd/pkg/flow"
	"flowd/pkg/xaddr"
)

// Magic and Version identify the log file format (spec §6, matching
// original_source/store.h's STORE_MAGIC / STORE_VERSION verbatim).
const (
	Magic   uint32 = 0x012cf047
	Version uint32 = 2

	headerSize = 16
)

// Header is the 16-byte prologue of a flow log file.
type Header struct {
	Magic     uint32
	Version   uint32
	StartTime uint32
	Flags     uint32
}

// Sentinel errors returned by the codec (spec §4.B).
var (
	ErrTruncated        = fmt.Errorf("store: truncated read")
	ErrBadMagic         = fmt.Errorf("store: bad magic")
	ErrUnsupportedVers  = fmt.Errorf("store: unsupported version")
	ErrHeaderMismatch   = fmt.Errorf("store: header mismatch")
	ErrCrc              = fmt.Errorf("store: crc32 mismatch")
	ErrUnknownField     = fmt.Errorf("store: unknown field bit")
	ErrMixedAddrFamily  = fmt.Errorf("store: mixed src/dst address family")
	ErrMutuallyExclusive = fmt.Errorf("store: mutually exclusive address bits set")
)

// PutHeader writes the file header. The caller is responsible for only
// calling this on a fresh (empty) file; an existing file must instead be
// checked with ValidateHeaderMatches below, per spec §4.B's "write iff new,
// else validate" contract.
func PutHeader(w io.Writer, startTime uint32) error {
	var buf [headerSize]byte
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	binary.BigEndian.PutUint32(buf[8:12], startTime)
	binary.BigEndian.PutUint32(buf[12:16], 0)
	_, err := w.Write(buf[:])
	return err
}

// GetHeader reads and validates the file header.
func GetHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if n == 0 {
			return Header{}, ErrTruncated
		}
		return Header{}, ErrTruncated
	}
	h := Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   binary.BigEndian.Uint32(buf[4:8]),
		StartTime: binary.BigEndian.Uint32(buf[8:12]),
		Flags:     binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != Magic {
		return h, ErrBadMagic
	}
	if h.Version != Version {
		return h, ErrUnsupportedVers
	}
	return h, nil
}

// ValidateHeaderMatches is used by PutHeader callers that find themselves
// not at offset 0: the file must already begin with a matching header.
func ValidateHeaderMatches(r io.Reader) error {
	h, err := GetHeader(r)
	if err != nil {
		return ErrHeaderMismatch
	}
	if h.Magic != Magic || h.Version != Version {
		return ErrHeaderMismatch
	}
	return nil
}

// fieldCodec is one entry of the ascending-bit field table (spec §9).
type fieldCodec struct {
	width int
	write func(w io.Writer, f *flow.Flow) error
	read  func(r io.Reader, f *flow.Flow) error
}

// bitOrder lists every field bit in ascending numeric order — the
// canonical on-disk order spec §4.B and invariant 3 require regardless of
// the order a caller set fields in.
var bitOrder = buildBitOrder()

func buildBitOrder() []flow.FieldMask {
	var bits []flow.FieldMask
	for i := 0; i < 32; i++ {
		b := flow.FieldMask(1) << uint(i)
		if _, ok := codecs[b]; ok {
			bits = append(bits, b)
		}
	}
	return bits
}

var codecs = map[flow.FieldMask]fieldCodec{
	flow.FieldTag: {
		width: 4,
		write: func(w io.Writer, f *flow.Flow) error { return writeU32(w, f.Tag) },
		read:  func(r io.Reader, f *flow.Flow) error { return readU32(r, &f.Tag) },
	},
	flow.FieldRecvTime: {
		width: 4,
		write: func(w io.Writer, f *flow.Flow) error { return writeU32(w, f.RecvSecs) },
		read:  func(r io.Reader, f *flow.Flow) error { return readU32(r, &f.RecvSecs) },
	},
	flow.FieldProtoFlagsTos: {
		width: 4,
		write: func(w io.Writer, f *flow.Flow) error {
			var b [4]byte
			b[0], b[1], b[2], b[3] = f.TCPFlags, f.Proto, f.TOS, 0
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			f.TCPFlags, f.Proto, f.TOS = b[0], b[1], b[2]
			return nil
		},
	},
	flow.FieldAgentAddr4: addr4Codec(func(f *flow.Flow) *xaddr.Addr { return &f.AgentAddr }),
	flow.FieldAgentAddr6: addr6Codec(func(f *flow.Flow) *xaddr.Addr { return &f.AgentAddr }),
	flow.FieldSrcAddr4:   addr4Codec(func(f *flow.Flow) *xaddr.Addr { return &f.SrcAddr }),
	flow.FieldSrcAddr6:   addr6Codec(func(f *flow.Flow) *xaddr.Addr { return &f.SrcAddr }),
	flow.FieldDstAddr4:   addr4Codec(func(f *flow.Flow) *xaddr.Addr { return &f.DstAddr }),
	flow.FieldDstAddr6:   addr6Codec(func(f *flow.Flow) *xaddr.Addr { return &f.DstAddr }),
	flow.FieldGatewayAddr4: addr4Codec(func(f *flow.Flow) *xaddr.Addr { return &f.GatewayAddr }),
	flow.FieldGatewayAddr6: addr6Codec(func(f *flow.Flow) *xaddr.Addr { return &f.GatewayAddr }),
	flow.FieldSrcDstPort: {
		width: 4,
		write: func(w io.Writer, f *flow.Flow) error {
			var b [4]byte
			binary.BigEndian.PutUint16(b[0:2], f.SrcPort)
			binary.BigEndian.PutUint16(b[2:4], f.DstPort)
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			f.SrcPort = binary.BigEndian.Uint16(b[0:2])
			f.DstPort = binary.BigEndian.Uint16(b[2:4])
			return nil
		},
	},
	flow.FieldPackets: {
		width: 8,
		write: func(w io.Writer, f *flow.Flow) error { return writeU64(w, f.Packets) },
		read:  func(r io.Reader, f *flow.Flow) error { return readU64(r, &f.Packets) },
	},
	flow.FieldOctets: {
		width: 8,
		write: func(w io.Writer, f *flow.Flow) error { return writeU64(w, f.Octets) },
		read:  func(r io.Reader, f *flow.Flow) error { return readU64(r, &f.Octets) },
	},
	flow.FieldIfIndices: {
		width: 4,
		write: func(w io.Writer, f *flow.Flow) error {
			var b [4]byte
			binary.BigEndian.PutUint16(b[0:2], f.IfIn)
			binary.BigEndian.PutUint16(b[2:4], f.IfOut)
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			f.IfIn = binary.BigEndian.Uint16(b[0:2])
			f.IfOut = binary.BigEndian.Uint16(b[2:4])
			return nil
		},
	},
	flow.FieldAgentInfo: {
		width: 16,
		write: func(w io.Writer, f *flow.Flow) error {
			var b [16]byte
			binary.BigEndian.PutUint32(b[0:4], f.SysUptimeMs)
			binary.BigEndian.PutUint32(b[4:8], f.TimeSec)
			binary.BigEndian.PutUint32(b[8:12], f.TimeNanosec)
			binary.BigEndian.PutUint16(b[12:14], f.NetflowVersion)
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [16]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			f.SysUptimeMs = binary.BigEndian.Uint32(b[0:4])
			f.TimeSec = binary.BigEndian.Uint32(b[4:8])
			f.TimeNanosec = binary.BigEndian.Uint32(b[8:12])
			f.NetflowVersion = binary.BigEndian.Uint16(b[12:14])
			return nil
		},
	},
	flow.FieldFlowTimes: {
		width: 8,
		write: func(w io.Writer, f *flow.Flow) error {
			var b [8]byte
			binary.BigEndian.PutUint32(b[0:4], f.FlowStart)
			binary.BigEndian.PutUint32(b[4:8], f.FlowFinish)
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			f.FlowStart = binary.BigEndian.Uint32(b[0:4])
			f.FlowFinish = binary.BigEndian.Uint32(b[4:8])
			return nil
		},
	},
	flow.FieldAsInfo: {
		width: 8,
		write: func(w io.Writer, f *flow.Flow) error {
			var b [8]byte
			binary.BigEndian.PutUint16(b[0:2], f.SrcAS)
			binary.BigEndian.PutUint16(b[2:4], f.DstAS)
			b[4], b[5] = f.SrcMask, f.DstMask
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			f.SrcAS = binary.BigEndian.Uint16(b[0:2])
			f.DstAS = binary.BigEndian.Uint16(b[2:4])
			f.SrcMask, f.DstMask = b[4], b[5]
			return nil
		},
	},
	flow.FieldFlowEngineInfo: {
		width: 8,
		write: func(w io.Writer, f *flow.Flow) error {
			var b [8]byte
			b[0], b[1] = f.EngineType, f.EngineID
			binary.BigEndian.PutUint32(b[4:8], f.FlowSequence)
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			f.EngineType, f.EngineID = b[0], b[1]
			f.FlowSequence = binary.BigEndian.Uint32(b[4:8])
			return nil
		},
	},
	// CRC32 is handled specially by PutFlow/GetFlow (it covers the other
	// fields' bytes): both skip it in their per-field loops and write or
	// read it after the body. Its entry here keeps it in bitOrder.
	flow.FieldCrc32: {
		width: 4,
		write: func(w io.Writer, f *flow.Flow) error { return writeU32(w, f.Crc32) },
		read:  func(r io.Reader, f *flow.Flow) error { return readU32(r, &f.Crc32) },
	},
}

func addr4Codec(sel func(*flow.Flow) *xaddr.Addr) fieldCodec {
	return fieldCodec{
		width: 4,
		write: func(w io.Writer, f *flow.Flow) error {
			b := sel(f).Bytes4()
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			*sel(f) = xaddr.FromIPv4(b)
			return nil
		},
	}
}

func addr6Codec(sel func(*flow.Flow) *xaddr.Addr) fieldCodec {
	return fieldCodec{
		width: 16,
		write: func(w io.Writer, f *flow.Flow) error {
			b := sel(f).Bytes16()
			_, err := w.Write(b[:])
			return err
		},
		read: func(r io.Reader, f *flow.Flow) error {
			var b [16]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return ErrTruncated
			}
			*sel(f) = xaddr.FromIPv6(b)
			return nil
		},
	}
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader, v *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ErrTruncated
	}
	*v = binary.BigEndian.Uint32(b[:])
	return nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r io.Reader, v *uint64) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ErrTruncated
	}
	*v = binary.BigEndian.Uint64(b[:])
	return nil
}

const addr4Mask = flow.FieldAgentAddr4 | flow.FieldSrcAddr4 | flow.FieldDstAddr4 | flow.FieldGatewayAddr4
const addr6Mask = flow.FieldAgentAddr6 | flow.FieldSrcAddr6 | flow.FieldDstAddr6 | flow.FieldGatewayAddr6

// assertNoMutualExclusion returns ErrMutuallyExclusive if both the v4 and
// v6 bit for the same logical address are set. PutFlow applies it to the
// mask effectiveFields has already resolved, which holds at most one bit
// per address, so a Flow whose Fields carries both bits is not rejected:
// it is written with the bit matching the address's AF tag.
func assertNoMutualExclusion(fields flow.FieldMask) error {
	pairs := []struct{ a, b flow.FieldMask }{
		{flow.FieldAgentAddr4, flow.FieldAgentAddr6},
		{flow.FieldSrcAddr4, flow.FieldSrcAddr6},
		{flow.FieldDstAddr4, flow.FieldDstAddr6},
		{flow.FieldGatewayAddr4, flow.FieldGatewayAddr6},
	}
	for _, p := range pairs {
		if fields.Has(p.a) && fields.Has(p.b) {
			return ErrMutuallyExclusive
		}
	}
	return nil
}

// bitForAddr picks the v4 or v6 bit for an address field given the value's
// AF tag, so callers only ever need to say "this address is present" and
// the codec routes to the correct on-disk bit.
func bitForAddr(a xaddr.Addr, v4, v6 flow.FieldMask) flow.FieldMask {
	switch a.AF() {
	case xaddr.V4:
		return v4
	case xaddr.V6:
		return v6
	default:
		return 0
	}
}

// effectiveFields resolves a Flow's logical field set plus allowedMask
// into the concrete on-disk bit set to emit, substituting the *_ADDR4/6
// bit per each address's AF tag.
func effectiveFields(f *flow.Flow, allowedMask flow.FieldMask) flow.FieldMask {
	want := f.Fields & allowedMask
	out := want &^ (addr4Mask | addr6Mask)
	if want.Any(flow.FieldAgentAddr4 | flow.FieldAgentAddr6) {
		out |= bitForAddr(f.AgentAddr, flow.FieldAgentAddr4, flow.FieldAgentAddr6)
	}
	if want.Any(flow.FieldSrcAddr4 | flow.FieldSrcAddr6) {
		out |= bitForAddr(f.SrcAddr, flow.FieldSrcAddr4, flow.FieldSrcAddr6)
	}
	if want.Any(flow.FieldDstAddr4 | flow.FieldDstAddr6) {
		out |= bitForAddr(f.DstAddr, flow.FieldDstAddr4, flow.FieldDstAddr6)
	}
	if want.Any(flow.FieldGatewayAddr4 | flow.FieldGatewayAddr6) {
		out |= bitForAddr(f.GatewayAddr, flow.FieldGatewayAddr4, flow.FieldGatewayAddr6)
	}
	return out
}

// PutFlow serializes the intersection of f.Fields and allowedMask in
// canonical (ascending bit) order and returns the number of bytes written.
func PutFlow(w io.Writer, f *flow.Flow, allowedMask flow.FieldMask) (int, error) {
	if !f.AddrFamiliesConsistent() {
		return 0, ErrMixedAddrFamily
	}
	fields := effectiveFields(f, allowedMask)
	if err := assertNoMutualExclusion(fields); err != nil {
		return 0, err
	}

	var body countingBuffer
	for _, bit := range bitOrder {
		if bit == flow.FieldCrc32 {
			continue // written last, once its checksum is known
		}
		if !fields.Has(bit) {
			continue
		}
		c := codecs[bit]
		if err := c.write(&body, f); err != nil {
			return 0, err
		}
	}

	maskBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(maskBuf, uint32(fields))

	n := 0
	if _, err := w.Write(maskBuf); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(body.buf); err != nil {
		return n, err
	}
	n += len(body.buf)

	if fields.Has(flow.FieldCrc32) {
		sum := crc32.ChecksumIEEE(maskBuf)
		sum = crc32.Update(sum, crc32.IEEETable, body.buf)
		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], sum)
		if _, err := w.Write(crcBuf[:]); err != nil {
			return n, err
		}
		n += 4
	}
	return n, nil
}

type countingBuffer struct{ buf []byte }

func (b *countingBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// GetFlow reads one flow record. It returns (nil, nil) on a clean EOF at a
// record boundary (zero bytes read for the mask).
func GetFlow(r io.Reader) (*flow.Flow, error) {
	var maskBuf [4]byte
	n, err := io.ReadFull(r, maskBuf[:])
	if err != nil {
		if n == 0 {
			return nil, nil
		}
		return nil, ErrTruncated
	}
	fields := flow.FieldMask(binary.BigEndian.Uint32(maskBuf[:]))

	f := &flow.Flow{}
	var bodyBytes []byte
	bw := &countingBuffer{}

	for i := 0; i < 32; i++ {
		bit := flow.FieldMask(1) << uint(i)
		if !fields.Has(bit) {
			continue
		}
		if bit == flow.FieldReserved {
			// Reserved extension header: currently unused, so its
			// "payload" is defined as zero-length until an extension
			// format is specified.
			continue
		}
		c, known := codecs[bit]
		if bit == flow.FieldCrc32 {
			// consumed after the loop once body bytes are known
			continue
		}
		if !known {
			return nil, ErrUnknownField
		}
		if err := c.read(io.TeeReader(r, bw), f); err != nil {
			return nil, err
		}
	}
	f.Fields = fields
	bodyBytes = bw.buf

	if fields.Has(flow.FieldCrc32) {
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			return nil, ErrTruncated
		}
		want := binary.BigEndian.Uint32(crcBuf[:])
		got := crc32.ChecksumIEEE(maskBuf[:])
		got = crc32.Update(got, crc32.IEEETable, bodyBytes)
		if got != want {
			return nil, ErrCrc
		}
		f.Crc32 = want
	}
	return f, nil
}
