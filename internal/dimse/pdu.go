// Package dimse implements the minimal DICOM upper-layer protocol needed
// by both the inbound Study Receiver and the outbound DICOM-AE
// destination adapter: association negotiation (A-ASSOCIATE-RQ/AC/RJ),
// P-DATA-TF framing, and the DIMSE commands C-ECHO and C-STORE. It is not
// a conformant implementation of the full DICOM standard — only the
// subset this gateway's wire-level interfaces (§6) require.
package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PDU type codes (DICOM PS3.8 §9.3).
const (
	PDUTypeAssociateRQ byte = 0x01
	PDUTypeAssociateAC byte = 0x02
	PDUTypeAssociateRJ byte = 0x03
	PDUTypePData       byte = 0x04
	PDUTypeReleaseRQ   byte = 0x05
	PDUTypeReleaseRP   byte = 0x06
	PDUTypeAbort       byte = 0x07
)

// DIMSE status codes relevant to the transient/permanent classification
// in §4.10.
const (
	StatusSuccess         uint16 = 0x0000
	StatusRefused         uint16 = 0xA700 // 0xA-status: permanent
	StatusOutOfResources   uint16 = 0xC000 // 0xC-status: transient
)

// PDUHeader is the common 6-byte header of every upper-layer PDU: a
// 1-byte type, 1 reserved byte, and a 4-byte big-endian length of the
// PDU body that follows.
type PDUHeader struct {
	Type   byte
	Length uint32
}

// ReadPDUHeader reads and validates a PDU header from r.
func ReadPDUHeader(r io.Reader) (PDUHeader, error) {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return PDUHeader{}, fmt.Errorf("dimse: read pdu header: %w", err)
	}
	return PDUHeader{
		Type:   buf[0],
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// WritePDUHeader writes a PDU header to w.
func WritePDUHeader(w io.Writer, pduType byte, length uint32) error {
	var buf [6]byte
	buf[0] = pduType
	binary.BigEndian.PutUint32(buf[2:6], length)
	_, err := w.Write(buf[:])
	return err
}

// AssociateParams carries the negotiated association-level parameters
// used by both the acceptor (receiver) and the requestor (destination
// adapter).
type AssociateParams struct {
	CallingAE          string
	CalledAE           string
	PresentationContexts []PresentationContext
	MaxPDULength       uint32
}

// PresentationContext pairs an abstract syntax (SOP Class) with the
// negotiated outcome.
type PresentationContext struct {
	ID            byte
	AbstractSyntax string
	Accepted      bool
}

// VerificationSOPClass is the Verification SOP Class UID used for C-ECHO.
const VerificationSOPClass = "1.2.840.10008.1.1"

// DefaultMaxPDULength is used when a peer does not negotiate one.
const DefaultMaxPDULength = 16384
