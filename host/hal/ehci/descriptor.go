package ehci

import (
	"encoding/binary"

	"github.com/ardnew/softehci/host/hal"
)

// Handle identifies a descriptor slot within a pool set. The upper half
// selects the arena and the lower half the slot within it.
type Handle uint32

const noHandle = ^Handle(0)

func makeHandle(arena, slot int) Handle { return Handle(arena)<<16 | Handle(slot) }

func (h Handle) arena() int { return int(h >> 16) }

func (h Handle) slot() int { return int(h & 0xffff) }

// LinkType tags a schedule link with the kind of descriptor it references.
// The zero value is the terminate link.
type LinkType uint8

// Link types.
const (
	LinkTerminate LinkType = iota
	LinkITD
	LinkQH
	LinkSITD
	LinkQTD
)

// String returns the descriptor kind name.
func (t LinkType) String() string {
	switch t {
	case LinkTerminate:
		return "T"
	case LinkITD:
		return "iTD"
	case LinkQH:
		return "QH"
	case LinkSITD:
		return "siTD"
	case LinkQTD:
		return "qTD"
	default:
		return "?"
	}
}

// Link references the next descriptor in a hardware-traversed chain.
type Link struct {
	Type  LinkType
	Index Handle
}

var terminate = Link{}

// Terminate reports whether the link ends the chain.
func (l Link) Terminate() bool { return l.Type == LinkTerminate }

func qhLink(h Handle) Link   { return Link{Type: LinkQH, Index: h} }
func qtdLink(h Handle) Link  { return Link{Type: LinkQTD, Index: h} }
func itdLink(h Handle) Link  { return Link{Type: LinkITD, Index: h} }
func sitdLink(h Handle) Link { return Link{Type: LinkSITD, Index: h} }

// Hardware link word fields.
const (
	linkTerminateBit = 0x01
	linkTypeShift    = 1
	linkAddrMask     = ^uint32(0x1f)
)

// Word encodes the link as the controller sees it, given the bus address of
// the referenced descriptor.
func (l Link) Word(addr uint32) uint32 {
	if l.Terminate() {
		return linkTerminateBit
	}
	var typ uint32
	switch l.Type {
	case LinkQH:
		typ = 1
	case LinkSITD:
		typ = 2
	}
	return addr&linkAddrMask | typ<<linkTypeShift
}

// resolver maps links to bus addresses when serializing descriptors.
type resolver interface {
	linkWord(l Link) uint32
}

// =============================================================================
// Queue element transfer descriptor token
// =============================================================================

// Token is the qTD (and QH overlay) status/control word.
//
//	bit  31     data toggle
//	bits 30:16  total bytes to transfer (remaining after execution)
//	bit  15     interrupt on complete
//	bits 14:12  current page
//	bits 11:10  error counter (CERR)
//	bits 9:8    PID code
//	bits 7:0    status
type Token uint32

// Token status bits.
const (
	tokActive    = 0x80
	tokHalted    = 0x40
	tokBufferErr = 0x20
	tokBabble    = 0x10
	tokXactErr   = 0x08
	tokMissedUF  = 0x04
	tokSplitXact = 0x02
	tokPingErr   = 0x01
)

// PID codes.
const (
	pidOut   = 0
	pidIn    = 1
	pidSetup = 2
)

const (
	tokPIDShift   = 8
	tokCerrShift  = 10
	tokIOC        = 1 << 15
	tokBytesShift = 16
	tokBytesMask  = 0x7fff
	tokToggle     = 1 << 31
	defaultCerr   = 3
)

func makeToken(pid uint32, length int, toggle, ioc bool) Token {
	t := Token(tokActive | pid<<tokPIDShift | defaultCerr<<tokCerrShift)
	t |= Token(uint32(length)&tokBytesMask) << tokBytesShift
	if toggle {
		t |= tokToggle
	}
	if ioc {
		t |= tokIOC
	}
	return t
}

func (t Token) Status() uint8   { return uint8(t) }
func (t Token) Active() bool    { return t&tokActive != 0 }
func (t Token) PID() uint32     { return uint32(t>>tokPIDShift) & 3 }
func (t Token) Cerr() uint32    { return uint32(t>>tokCerrShift) & 3 }
func (t Token) IOC() bool       { return t&tokIOC != 0 }
func (t Token) Bytes() int      { return int(uint32(t>>tokBytesShift) & tokBytesMask) }
func (t Token) Toggle() bool    { return t&tokToggle != 0 }
func (t Token) inactive() Token { return t &^ tokActive }

// =============================================================================
// Queue head endpoint words
// =============================================================================

// epChar is QH DWord 1, the endpoint characteristics.
//
//	bits 31:28  NAK count reload
//	bit  27     control endpoint flag (non-high-speed control only)
//	bits 26:16  maximum packet length
//	bit  15     head of reclamation list
//	bit  14     data toggle control
//	bits 13:12  endpoint speed
//	bit  11:8   endpoint number
//	bit  7      inactivate on next transaction
//	bits 6:0    device address
type epChar uint32

const (
	charEndptShift  = 8
	charSpeedShift  = 12
	charDTC         = 1 << 14
	charHead        = 1 << 15
	charMaxPktShift = 16
	charControl     = 1 << 27
	charRLShift     = 28
	defaultNakRL    = 4
)

// Endpoint speed encodings.
const (
	epsFull = 0
	epsLow  = 1
	epsHigh = 2
)

func speedCode(s hal.Speed) uint32 {
	switch s {
	case hal.SpeedLow:
		return epsLow
	case hal.SpeedHigh:
		return epsHigh
	default:
		return epsFull
	}
}

func (c epChar) Address() uint8   { return uint8(c & 0x7f) }
func (c epChar) Endpoint() uint8  { return uint8(c>>charEndptShift) & 0x0f }
func (c epChar) Speed() uint32    { return uint32(c>>charSpeedShift) & 3 }
func (c epChar) DTC() bool        { return c&charDTC != 0 }
func (c epChar) Head() bool       { return c&charHead != 0 }
func (c epChar) MaxPacket() int   { return int(c>>charMaxPktShift) & 0x7ff }
func (c epChar) Control() bool    { return c&charControl != 0 }
func (c epChar) NakReload() uint8 { return uint8(c >> charRLShift) }

// epCaps is QH DWord 2, the endpoint capabilities.
//
//	bits 31:30  high-bandwidth pipe multiplier
//	bits 29:23  hub port number
//	bits 22:16  hub address
//	bits 15:8   split completion mask
//	bits 7:0    interrupt schedule mask
type epCaps uint32

const (
	capsCMaskShift = 8
	capsHubShift   = 16
	capsPortShift  = 23
	capsMultShift  = 30
)

func makeCaps(smask, cmask uint8, hub, port uint8, mult uint32) epCaps {
	return epCaps(uint32(smask) |
		uint32(cmask)<<capsCMaskShift |
		uint32(hub&0x7f)<<capsHubShift |
		uint32(port&0x7f)<<capsPortShift |
		(mult&3)<<capsMultShift)
}

func (c epCaps) SMask() uint8   { return uint8(c) }
func (c epCaps) CMask() uint8   { return uint8(c >> capsCMaskShift) }
func (c epCaps) HubAddr() uint8 { return uint8(c>>capsHubShift) & 0x7f }
func (c epCaps) Port() uint8    { return uint8(c>>capsPortShift) & 0x7f }
func (c epCaps) Mult() uint32   { return uint32(c>>capsMultShift) & 3 }

// =============================================================================
// Descriptors
// =============================================================================

// qh is a queue head. The fields up to buffer mirror the hardware layout;
// ep is the software back-pointer.
type qh struct {
	link    Link
	char    epChar
	caps    epCaps
	current Link
	next    Link
	altNext Link
	token   Token
	buffer  [qtdPages]uint32

	ep *endpoint
}

const qhHWSize = 48

// resetOverlay clears the transfer overlay so the next qTD link is fetched
// fresh. The data toggle is preserved.
func (q *qh) resetOverlay() {
	q.current = terminate
	q.next = terminate
	q.altNext = terminate
	q.token &= tokToggle
	q.buffer = [qtdPages]uint32{}
}

// MarshalTo writes the little-endian hardware image of the queue head.
// Returns the number of bytes written, or 0 if buf is too small.
func (q *qh) MarshalTo(buf []byte, r resolver) int {
	if len(buf) < qhHWSize {
		return 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.linkWord(q.link))
	le.PutUint32(buf[4:], uint32(q.char))
	le.PutUint32(buf[8:], uint32(q.caps))
	le.PutUint32(buf[12:], r.linkWord(q.current)&linkAddrMask)
	le.PutUint32(buf[16:], r.linkWord(q.next))
	le.PutUint32(buf[20:], r.linkWord(q.altNext))
	le.PutUint32(buf[24:], uint32(q.token))
	for i, b := range q.buffer {
		le.PutUint32(buf[28+4*i:], b)
	}
	return qhHWSize
}

// qtd is a queue element transfer descriptor.
type qtd struct {
	next    Link
	altNext Link
	token   Token
	buffer  [qtdPages]uint32

	burst  *burst
	length int
	data   bool // counts toward the request's actual length
}

const (
	qtdHWSize = 32
	qtdPages  = 5
)

// transferred returns the bytes moved by an executed qTD.
func (q *qtd) transferred() int {
	if !q.data || q.token.Active() {
		return 0
	}
	n := q.length - q.token.Bytes()
	if n < 0 {
		return 0
	}
	return n
}

// MarshalTo writes the little-endian hardware image of the qTD.
func (q *qtd) MarshalTo(buf []byte, r resolver) int {
	if len(buf) < qtdHWSize {
		return 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.linkWord(q.next))
	le.PutUint32(buf[4:], r.linkWord(q.altNext))
	le.PutUint32(buf[8:], uint32(q.token))
	for i, b := range q.buffer {
		le.PutUint32(buf[12+4*i:], b)
	}
	return qtdHWSize
}

// itdTrans is one iTD transaction status/control word.
//
//	bits 31:28  status (active, buffer error, babble, transaction error)
//	bits 27:16  transaction length
//	bit  15     interrupt on complete
//	bits 14:12  page select
//	bits 11:0   transaction offset
type itdTrans uint32

const (
	itdActive    = 1 << 31
	itdBufferErr = 1 << 30
	itdBabble    = 1 << 29
	itdXactErr   = 1 << 28
	itdLenShift  = 16
	itdLenMask   = 0xfff
	itdIOC       = 1 << 15
	itdPGShift   = 12
)

func makeITDTrans(length int, page int, offset uint32, ioc bool) itdTrans {
	t := itdTrans(itdActive | (uint32(length)&itdLenMask)<<itdLenShift |
		uint32(page&7)<<itdPGShift | offset&0xfff)
	if ioc {
		t |= itdIOC
	}
	return t
}

func (t itdTrans) Active() bool { return t&itdActive != 0 }
func (t itdTrans) Length() int  { return int(uint32(t>>itdLenShift) & itdLenMask) }

// itd is a high-speed isochronous transfer descriptor covering one frame.
type itd struct {
	link   Link
	trans  [8]itdTrans
	buffer [7]uint32

	frame int
}

const itdHWSize = 64

// iTD buffer pointer fields.
const (
	itdEndptShift = 8
	itdDirIn      = 1 << 11
	itdMultMask   = 3
)

// MarshalTo writes the little-endian hardware image of the iTD.
func (d *itd) MarshalTo(buf []byte, r resolver) int {
	if len(buf) < itdHWSize {
		return 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.linkWord(d.link))
	for i, t := range d.trans {
		le.PutUint32(buf[4+4*i:], uint32(t))
	}
	for i, b := range d.buffer {
		le.PutUint32(buf[36+4*i:], b)
	}
	return itdHWSize
}

// siTD status bits (results word, bits 7:0).
const (
	sitdActive    = 0x80
	sitdErr       = 0x40
	sitdBufferErr = 0x20
	sitdBabble    = 0x10
	sitdXactErr   = 0x08
	sitdMissedUF  = 0x04
	sitdSplitXact = 0x02
)

// siTD field positions.
const (
	sitdDirIn      = 1 << 31
	sitdPortShift  = 24
	sitdHubShift   = 16
	sitdEndptShift = 8
	sitdIOC        = 1 << 31
	sitdLenShift   = 16
	sitdLenMask    = 0x3ff
	sitdTPShift    = 3
	sitdMaxLength  = 1023
)

// sitd is a split-transaction isochronous transfer descriptor.
type sitd struct {
	link    Link
	char    uint32 // direction, port, hub, endpoint, address
	sched   uint32 // complete-split mask (15:8), start-split mask (7:0)
	results uint32 // IOC, total bytes, split progress, status
	buffer  [2]uint32
	back    Link

	frame  int
	packet int
	length int
}

const sitdHWSize = 28

func (d *sitd) Active() bool { return d.results&sitdActive != 0 }

func (d *sitd) Status() uint8 { return uint8(d.results) }

// Remaining returns the bytes left untransferred.
func (d *sitd) Remaining() int { return int(d.results>>sitdLenShift) & sitdLenMask }

// MarshalTo writes the little-endian hardware image of the siTD.
func (d *sitd) MarshalTo(buf []byte, r resolver) int {
	if len(buf) < sitdHWSize {
		return 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], r.linkWord(d.link))
	le.PutUint32(buf[4:], d.char)
	le.PutUint32(buf[8:], d.sched)
	le.PutUint32(buf[12:], d.results)
	le.PutUint32(buf[16:], d.buffer[0])
	le.PutUint32(buf[20:], d.buffer[1])
	le.PutUint32(buf[24:], r.linkWord(d.back))
	return sitdHWSize
}
