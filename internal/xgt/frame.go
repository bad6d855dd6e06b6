// Package xgt implements the LS ELECTRIC XGT Dedicated (FEnet) protocol:
// frame encoding, a single-socket client and an endpoint-keyed pool.
package xgt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/keunjinahn/things-plc/internal/types"
)

const (
	HeaderSize  = 20
	DefaultPort = 2004

	CPUInfoXGK byte = 0xA0
	CPUInfoXGI byte = 0xA4
	CPUInfoXGR byte = 0xA8
	CPUInfoXGB byte = 0xB0

	SourceClient byte = 0x33
	SourceServer byte = 0x11

	// maxAddressLen is the longest direct variable name a PLC accepts.
	maxAddressLen = 16
)

var companyID = [10]byte{'L', 'S', 'I', 'S', '-', 'X', 'G', 'T', 0, 0}

type Command uint16

const (
	CmdReadRequest   Command = 0x0054
	CmdReadResponse  Command = 0x0055
	CmdWriteRequest  Command = 0x0058
	CmdWriteResponse Command = 0x0059
)

func (c Command) String() string {
	switch c {
	case CmdReadRequest:
		return "read-request"
	case CmdReadResponse:
		return "read-response"
	case CmdWriteRequest:
		return "write-request"
	case CmdWriteResponse:
		return "write-response"
	}
	return fmt.Sprintf("command(0x%04X)", uint16(c))
}

// ChecksumScheme selects how the BCC byte of the header is computed.
type ChecksumScheme string

const (
	// ChecksumSum is the byte sum of plc info through position, mod 256.
	ChecksumSum ChecksumScheme = "sum"
	// ChecksumNone always sends 0x00.
	ChecksumNone ChecksumScheme = "none"
)

func (s ChecksumScheme) compute(header []byte) byte {
	if s == ChecksumNone {
		return 0
	}
	var sum byte
	for _, b := range header[10:19] {
		sum += b
	}
	return sum
}

// Header is the 20 byte application header.
type Header struct {
	PLCInfo  uint16
	CPUInfo  byte
	Source   byte
	InvokeID uint16
	Length   uint16
	Position byte
	Checksum byte
}

func (h Header) put(b []byte) {
	copy(b[0:10], companyID[:])
	binary.LittleEndian.PutUint16(b[10:12], h.PLCInfo)
	b[12] = h.CPUInfo
	b[13] = h.Source
	binary.LittleEndian.PutUint16(b[14:16], h.InvokeID)
	binary.LittleEndian.PutUint16(b[16:18], h.Length)
	b[18] = h.Position
	b[19] = h.Checksum
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &ProtocolError{Msg: fmt.Sprintf("%d bytes", len(b)), Err: ErrFrameTooShort}
	}
	if !bytes.Equal(b[0:10], companyID[:]) {
		return Header{}, protocolErrorf("unexpected company id %q", bytes.TrimRight(b[0:10], "\x00"))
	}
	return Header{
		PLCInfo:  binary.LittleEndian.Uint16(b[10:12]),
		CPUInfo:  b[12],
		Source:   b[13],
		InvokeID: binary.LittleEndian.Uint16(b[14:16]),
		Length:   binary.LittleEndian.Uint16(b[16:18]),
		Position: b[18],
		Checksum: b[19],
	}, nil
}

// Request is a single-variable read or write.
type Request struct {
	InvokeID uint16
	Position byte
	Command  Command
	DataType types.DataType
	Address  string
	// Count is the number of units to read. Zero means one.
	Count uint16
	// Data holds the little-endian value of a write.
	Data []byte
}

// Response is a decoded read or write acknowledgement.
type Response struct {
	Header    Header
	Command   Command
	DataType  types.DataType
	ErrorCode uint16
	Address   string
	Values    []uint64
}

// Codec encodes and decodes frames. The zero value uses CPU info 0x00 and the
// sum checksum; use DefaultCodec for an XGB.
type Codec struct {
	CPUInfo        byte
	Checksum       ChecksumScheme
	VerifyChecksum bool
}

var DefaultCodec = Codec{CPUInfo: CPUInfoXGB, Checksum: ChecksumSum}

// EncodeRequest builds the complete request frame.
func (c Codec) EncodeRequest(req *Request) ([]byte, error) {
	payload, err := encodeRequestPayload(req)
	if err != nil {
		return nil, err
	}
	h := Header{
		CPUInfo:  c.CPUInfo,
		Source:   SourceClient,
		InvokeID: req.InvokeID,
		Length:   uint16(len(payload)),
		Position: req.Position,
	}
	return c.assemble(h, payload), nil
}

func (c Codec) assemble(h Header, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	h.put(frame)
	frame[19] = c.Checksum.compute(frame)
	copy(frame[HeaderSize:], payload)
	return frame
}

func encodeRequestPayload(req *Request) ([]byte, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("empty address")
	}
	if len(req.Address) > maxAddressLen {
		return nil, fmt.Errorf("address %q longer than %d characters", req.Address, maxAddressLen)
	}
	for i := 0; i < len(req.Address); i++ {
		if req.Address[i] >= 0x80 {
			return nil, fmt.Errorf("address %q is not ASCII", req.Address)
		}
	}
	code, err := TypeCode(req.DataType)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	put16 := func(v uint16) {
		buf.Write([]byte{byte(v), byte(v >> 8)})
	}
	put16(uint16(req.Command))
	put16(code)
	put16(0) // reserved
	put16(1) // block count
	put16(uint16(len(req.Address)))
	buf.WriteString(req.Address)

	switch req.Command {
	case CmdReadRequest:
		count := req.Count
		if count == 0 {
			count = 1
		}
		put16(count)
	case CmdWriteRequest:
		if len(req.Data) != req.DataType.Width() {
			return nil, fmt.Errorf("write data is %d bytes, %s needs %d", len(req.Data), req.DataType, req.DataType.Width())
		}
		put16(uint16(len(req.Data)))
		buf.Write(req.Data)
	default:
		return nil, fmt.Errorf("unsupported request command %s", req.Command)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a request frame. It is the inverse of EncodeRequest.
func (c Codec) DecodeRequest(frame []byte) (*Request, error) {
	h, payload, err := c.split(frame, SourceClient)
	if err != nil {
		return nil, err
	}
	r := reader{b: payload}
	req := &Request{InvokeID: h.InvokeID, Position: h.Position}
	req.Command = Command(r.u16())
	code := r.u16()
	r.u16() // reserved
	if blocks := r.u16(); r.err == nil && blocks != 1 {
		return nil, protocolErrorf("block count %d not supported", blocks)
	}
	req.Address = string(r.next(int(r.u16())))
	switch req.Command {
	case CmdReadRequest:
		req.Count = r.u16()
	case CmdWriteRequest:
		req.Data = r.next(int(r.u16()))
	default:
		return nil, protocolErrorf("unexpected request command %s", req.Command)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, protocolErrorf("%d trailing payload bytes", r.remaining())
	}
	if req.DataType, err = DataTypeOf(code); err != nil {
		return nil, &ProtocolError{Msg: "request", Err: err}
	}
	return req, nil
}

// EncodeResponse builds a server frame for resp. An error response is encoded
// in the short form.
func (c Codec) EncodeResponse(resp *Response) ([]byte, error) {
	code, err := TypeCode(resp.DataType)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	put16 := func(v uint16) {
		buf.Write([]byte{byte(v), byte(v >> 8)})
	}
	put16(uint16(resp.Command))
	put16(code)
	put16(0)
	put16(resp.ErrorCode)
	if resp.ErrorCode == 0 && resp.Command == CmdReadResponse {
		put16(uint16(len(resp.Address)))
		buf.WriteString(resp.Address)
		put16(uint16(len(resp.Values)))
		for _, v := range resp.Values {
			buf.Write(PutValue(resp.DataType, v))
		}
	}
	h := resp.Header
	h.Source = SourceServer
	h.Length = uint16(buf.Len())
	if h.CPUInfo == 0 {
		h.CPUInfo = c.CPUInfo
	}
	return c.assemble(h, buf.Bytes()), nil
}

// ParseResponse decodes a complete response frame.
func (c Codec) ParseResponse(frame []byte) (*Response, error) {
	h, payload, err := c.split(frame, SourceServer)
	if err != nil {
		return nil, err
	}
	return c.DecodeResponse(h, payload)
}

// DecodeResponse decodes the payload that followed h. A non-zero PLC error
// code is returned as *DeviceError together with the partial response.
func (c Codec) DecodeResponse(h Header, payload []byte) (*Response, error) {
	if h.Length == 0 || len(payload) == 0 {
		return nil, &ProtocolError{Msg: fmt.Sprintf("invoke id %d", h.InvokeID), Err: ErrHeaderOnly}
	}
	if len(payload) < 8 {
		return nil, protocolErrorf("payload too short: %d bytes", len(payload))
	}
	r := reader{b: payload}
	resp := &Response{Header: h}
	resp.Command = Command(r.u16())
	code := r.u16()
	r.u16() // reserved
	resp.ErrorCode = r.u16()

	if resp.Command != CmdReadResponse && resp.Command != CmdWriteResponse {
		return nil, protocolErrorf("unexpected response command %s", resp.Command)
	}
	dt, err := DataTypeOf(code)
	if err != nil {
		return nil, &ProtocolError{Msg: "response", Err: err}
	}
	resp.DataType = dt
	if resp.ErrorCode != 0 {
		return resp, &DeviceError{Code: resp.ErrorCode}
	}
	if resp.Command == CmdWriteResponse {
		return resp, nil
	}
	if r.remaining() == 0 {
		return nil, protocolErrorf("read response without data")
	}

	resp.Address = string(r.next(int(r.u16())))
	count := int(r.u16())
	width := dt.Width()
	data := r.next(count * width)
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, protocolErrorf("%d trailing payload bytes", r.remaining())
	}
	resp.Values = make([]uint64, count)
	for i := range resp.Values {
		resp.Values[i] = Value(data[i*width : (i+1)*width])
	}
	return resp, nil
}

// split validates the header of a complete frame and returns its payload.
func (c Codec) split(frame []byte, source byte) (Header, []byte, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return h, nil, err
	}
	if h.Source != source {
		return h, nil, protocolErrorf("unexpected source 0x%02X", h.Source)
	}
	if c.VerifyChecksum {
		if want := c.Checksum.compute(frame); h.Checksum != want {
			return h, nil, &ProtocolError{Msg: fmt.Sprintf("got 0x%02X want 0x%02X", h.Checksum, want), Err: ErrChecksum}
		}
	}
	payload := frame[HeaderSize:]
	if int(h.Length) != len(payload) {
		if h.Length == 0 {
			return h, nil, &ProtocolError{Msg: fmt.Sprintf("invoke id %d", h.InvokeID), Err: ErrHeaderOnly}
		}
		return h, nil, protocolErrorf("length field %d, payload %d bytes", h.Length, len(payload))
	}
	return h, payload, nil
}

// reader consumes little-endian fields and remembers the first underrun.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = protocolErrorf("truncated payload: need %d bytes at offset %d, have %d", n, r.off, len(r.b))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}
