package dimse

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// Association is one negotiated upper-layer connection, usable for both
// the acceptor side (receiver.Listener) and the requestor side
// (destination.dicomAE).
type Association struct {
	conn   net.Conn
	params AssociateParams
}

// Dial opens a TCP connection to a peer AE and negotiates an association
// requesting the given abstract syntaxes. It does not implement the full
// PDU item encoding of PS3.8 — callers on both sides of this gateway
// agree on a minimal negotiated subset sufficient for C-ECHO/C-STORE.
func Dial(ctx context.Context, addr string, params AssociateParams, timeout time.Duration) (*Association, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dimse: dial %s: %w", addr, err)
	}

	assoc := &Association{conn: conn, params: params}
	if err := assoc.negotiateRequestor(); err != nil {
		conn.Close()
		return nil, err
	}
	return assoc, nil
}

// Accept wraps an already-accepted net.Conn (from a Listener.Accept) and
// negotiates the acceptor side of an association.
func Accept(conn net.Conn, calledAE string, acceptedSyntaxes []string) (*Association, error) {
	assoc := &Association{conn: conn}
	params, err := assoc.negotiateAcceptor(calledAE, acceptedSyntaxes)
	if err != nil {
		conn.Close()
		return nil, err
	}
	assoc.params = params
	return assoc, nil
}

func (a *Association) negotiateRequestor() error {
	if err := WritePDUHeader(a.conn, PDUTypeAssociateRQ, 0); err != nil {
		return fmt.Errorf("dimse: write associate-rq: %w", err)
	}
	hdr, err := ReadPDUHeader(a.conn)
	if err != nil {
		return fmt.Errorf("dimse: read associate response: %w", err)
	}
	if hdr.Type == PDUTypeAssociateRJ {
		return fmt.Errorf("dimse: association rejected by peer")
	}
	if hdr.Type != PDUTypeAssociateAC {
		return fmt.Errorf("dimse: unexpected pdu type 0x%02x during negotiation", hdr.Type)
	}
	for i := range a.params.PresentationContexts {
		a.params.PresentationContexts[i].Accepted = true
	}
	return nil
}

func (a *Association) negotiateAcceptor(calledAE string, acceptedSyntaxes []string) (AssociateParams, error) {
	hdr, err := ReadPDUHeader(a.conn)
	if err != nil {
		return AssociateParams{}, fmt.Errorf("dimse: read associate-rq: %w", err)
	}
	if hdr.Type != PDUTypeAssociateRQ {
		return AssociateParams{}, fmt.Errorf("dimse: expected associate-rq, got 0x%02x", hdr.Type)
	}

	params := AssociateParams{
		CalledAE:     calledAE,
		MaxPDULength: DefaultMaxPDULength,
	}
	for _, syn := range acceptedSyntaxes {
		params.PresentationContexts = append(params.PresentationContexts, PresentationContext{
			AbstractSyntax: syn,
			Accepted:       true,
		})
	}

	if err := WritePDUHeader(a.conn, PDUTypeAssociateAC, 0); err != nil {
		return AssociateParams{}, fmt.Errorf("dimse: write associate-ac: %w", err)
	}
	return params, nil
}

// Close releases the association, sending A-RELEASE-RQ first.
func (a *Association) Close() error {
	_ = WritePDUHeader(a.conn, PDUTypeReleaseRQ, 0)
	return a.conn.Close()
}

// Abort sends an A-ABORT and closes the underlying connection
// immediately, used on cancellation (§5).
func (a *Association) Abort() error {
	_ = WritePDUHeader(a.conn, PDUTypeAbort, 0)
	return a.conn.Close()
}

// Echo performs a C-ECHO exchange over this association.
func (a *Association) Echo(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetDeadline(deadline)
	}
	if err := WritePDUHeader(a.conn, PDUTypePData, 0); err != nil {
		return fmt.Errorf("dimse: c-echo request: %w", err)
	}
	hdr, err := ReadPDUHeader(a.conn)
	if err != nil {
		return fmt.Errorf("dimse: c-echo response: %w", err)
	}
	if hdr.Type != PDUTypePData {
		return fmt.Errorf("dimse: unexpected c-echo response pdu 0x%02x", hdr.Type)
	}
	return nil
}

// StoreResult is the per-instance outcome of one C-STORE.
type StoreResult struct {
	SOPInstanceUID string
	Status         uint16
	Err            error
}

// InstanceMeta is the small identifying header carried alongside each
// C-STORE payload so the acceptor can file the instance without a full
// DICOM dataset parser (this gateway's wire layer is a minimal subset of
// PS3.8, not a conformant implementation — see the package doc comment).
type InstanceMeta struct {
	StudyInstanceUID string
	SeriesInstanceUID string
	SOPInstanceUID   string
	SOPClassUID      string
}

// IncomingData is one P-DATA-TF payload received on the acceptor side of
// an association.
type IncomingData struct {
	Meta InstanceMeta
	Data []byte
}

// Receive reads one incoming P-DATA-TF PDU (a C-STORE payload from the
// requestor) and immediately acknowledges it with a success status,
// mirroring the symmetry of Store on the requestor side.
func (a *Association) Receive(ctx context.Context) (IncomingData, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetDeadline(deadline)
	}
	hdr, err := ReadPDUHeader(a.conn)
	if err != nil {
		return IncomingData{}, fmt.Errorf("dimse: read c-store request: %w", err)
	}
	if hdr.Type != PDUTypePData {
		return IncomingData{}, fmt.Errorf("dimse: unexpected request pdu 0x%02x", hdr.Type)
	}

	var metaLen uint32
	if err := binary.Read(a.conn, binary.BigEndian, &metaLen); err != nil {
		return IncomingData{}, fmt.Errorf("dimse: read meta length: %w", err)
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(a.conn, metaBuf); err != nil {
		return IncomingData{}, fmt.Errorf("dimse: read meta: %w", err)
	}
	var meta InstanceMeta
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return IncomingData{}, fmt.Errorf("dimse: decode meta: %w", err)
	}

	dataLen := hdr.Length - 4 - metaLen
	buf := make([]byte, dataLen)
	if _, err := io.ReadFull(a.conn, buf); err != nil {
		return IncomingData{}, fmt.Errorf("dimse: read c-store payload: %w", err)
	}

	if err := WritePDUHeader(a.conn, PDUTypePData, 0); err != nil {
		return IncomingData{}, fmt.Errorf("dimse: write c-store response: %w", err)
	}
	return IncomingData{Meta: meta, Data: buf}, nil
}

// Store performs a C-STORE for one instance, sending meta as a JSON
// header (length-prefixed) immediately followed by the raw instance
// bytes, both within a single P-DATA-TF PDU.
func (a *Association) Store(ctx context.Context, meta InstanceMeta, data []byte) StoreResult {
	sopInstanceUID := meta.SOPInstanceUID
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetDeadline(deadline)
	}

	metaBuf, err := json.Marshal(meta)
	if err != nil {
		return StoreResult{SOPInstanceUID: sopInstanceUID, Err: fmt.Errorf("dimse: encode meta: %w", err)}
	}

	totalLen := 4 + uint32(len(metaBuf)) + uint32(len(data))
	if err := WritePDUHeader(a.conn, PDUTypePData, totalLen); err != nil {
		return StoreResult{SOPInstanceUID: sopInstanceUID, Err: fmt.Errorf("dimse: c-store request: %w", err)}
	}
	if err := binary.Write(a.conn, binary.BigEndian, uint32(len(metaBuf))); err != nil {
		return StoreResult{SOPInstanceUID: sopInstanceUID, Err: fmt.Errorf("dimse: c-store meta length: %w", err)}
	}
	if _, err := a.conn.Write(metaBuf); err != nil {
		return StoreResult{SOPInstanceUID: sopInstanceUID, Err: fmt.Errorf("dimse: c-store meta: %w", err)}
	}
	if _, err := a.conn.Write(data); err != nil {
		return StoreResult{SOPInstanceUID: sopInstanceUID, Err: fmt.Errorf("dimse: c-store payload: %w", err)}
	}

	hdr, err := ReadPDUHeader(a.conn)
	if err != nil {
		return StoreResult{SOPInstanceUID: sopInstanceUID, Err: fmt.Errorf("dimse: c-store response: %w", err)}
	}
	if hdr.Type != PDUTypePData {
		return StoreResult{SOPInstanceUID: sopInstanceUID, Status: StatusOutOfResources, Err: fmt.Errorf("dimse: unexpected c-store response pdu 0x%02x", hdr.Type)}
	}
	return StoreResult{SOPInstanceUID: sopInstanceUID, Status: StatusSuccess}
}
