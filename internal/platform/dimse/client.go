package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrAborted is returned when the peer aborts the association.
var ErrAborted = errors.New("dimse: association aborted by peer")

// RejectError reports an A-ASSOCIATE-RJ from the peer.
type RejectError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("dimse: association rejected (result %d, source %d, reason %d)", e.Result, e.Source, e.Reason)
}

// ClientConfig configures an outbound association.
type ClientConfig struct {
	CallingAE    string
	CalledAE     string
	MaxPDULength uint32
	// AbstractSyntaxes to propose. Each gets its own presentation context.
	AbstractSyntaxes []string
	// TransferSyntaxes offered per context, in preference order.
	TransferSyntaxes []string
}

// Client is a minimal service class user for verification, worklist queries
// and procedure step messages.
type Client struct {
	assoc      *association
	byAbstract map[string]byte
	nextID     uint16
}

// Dial opens a TCP connection to addr and negotiates an association.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	if len(cfg.AbstractSyntaxes) == 0 {
		cfg.AbstractSyntaxes = []string{VerificationSOPClass}
	}
	if len(cfg.TransferSyntaxes) == 0 {
		cfg.TransferSyntaxes = []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = defaultMaxPDULength
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dimse: dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	rq := &AssociateRequest{
		CalledAE:               cfg.CalledAE,
		CallingAE:              cfg.CallingAE,
		ApplicationContext:     ApplicationContextUID,
		MaxPDULength:           cfg.MaxPDULength,
		ImplementationClassUID: ImplementationClassUID,
		ImplementationVersion:  ImplementationVersion,
	}
	for i, as := range cfg.AbstractSyntaxes {
		rq.Contexts = append(rq.Contexts, PresentationContext{
			ID:               byte(2*i + 1),
			AbstractSyntax:   as,
			TransferSyntaxes: cfg.TransferSyntaxes,
		})
	}
	if err := writePDU(conn, pduAssociateRQ, encodeAssociateRQ(rq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dimse: write a-associate-rq: %w", err)
	}

	p, err := readPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dimse: read association response: %w", err)
	}
	switch p.Type {
	case pduAssociateAC:
	case pduAssociateRJ:
		conn.Close()
		rj := &RejectError{}
		if len(p.Data) >= 4 {
			rj.Result, rj.Source, rj.Reason = p.Data[1], p.Data[2], p.Data[3]
		}
		return nil, rj
	case pduAbort:
		conn.Close()
		return nil, ErrAborted
	default:
		conn.Close()
		return nil, fmt.Errorf("dimse: unexpected pdu type 0x%02X during association", p.Type)
	}
	ac, err := decodeAssociateAC(p.Data)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		assoc: &association{
			conn:       conn,
			peerMaxPDU: ac.MaxPDULength,
			contexts:   make(map[byte]string),
			abstracts:  make(map[byte]string),
		},
		byAbstract: make(map[string]byte),
	}
	for _, pc := range ac.Contexts {
		if pc.Result != contextAccepted {
			continue
		}
		idx := int(pc.ID-1) / 2
		if idx < 0 || idx >= len(rq.Contexts) {
			continue
		}
		as := rq.Contexts[idx].AbstractSyntax
		c.assoc.contexts[pc.ID] = pc.TransferSyntax
		c.assoc.abstracts[pc.ID] = as
		c.byAbstract[as] = pc.ID
	}
	conn.SetDeadline(time.Time{})
	return c, nil
}

// Accepted reports whether the peer accepted a context for abstract.
func (c *Client) Accepted(abstract string) bool {
	_, ok := c.byAbstract[abstract]
	return ok
}

// TransferSyntax returns the negotiated transfer syntax for abstract.
func (c *Client) TransferSyntax(abstract string) string {
	return c.assoc.contexts[c.byAbstract[abstract]]
}

func (c *Client) context(abstract string) (byte, error) {
	id, ok := c.byAbstract[abstract]
	if !ok {
		return 0, fmt.Errorf("dimse: no accepted presentation context for %s", SOPClassName(abstract))
	}
	return id, nil
}

func (c *Client) messageID() uint16 {
	c.nextID++
	return c.nextID
}

func (c *Client) deadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		c.assoc.conn.SetDeadline(dl)
	} else {
		c.assoc.conn.SetDeadline(time.Time{})
	}
}

func (c *Client) receive() (*Message, error) {
	msg, typ, err := c.assoc.readMessage()
	if err != nil {
		return nil, err
	}
	switch typ {
	case pduPData:
		return msg, nil
	case pduAbort:
		return nil, ErrAborted
	}
	return nil, fmt.Errorf("dimse: unexpected pdu type 0x%02X", typ)
}

// Echo sends a C-ECHO request and returns the response status.
func (c *Client) Echo(ctx context.Context) (uint16, error) {
	id, err := c.context(VerificationSOPClass)
	if err != nil {
		return 0, err
	}
	c.deadline(ctx)
	cmd := NewDataset()
	cmd.SetString(TagAffectedSOPClassUID, VerificationSOPClass)
	cmd.SetUint16(TagCommandField, CommandCEchoRQ)
	cmd.SetUint16(TagMessageID, c.messageID())
	if err := c.assoc.send(&Message{ContextID: id, Command: cmd}); err != nil {
		return 0, err
	}
	rsp, err := c.receive()
	if err != nil {
		return 0, err
	}
	status, _ := rsp.Command.Uint16(TagStatus)
	return status, nil
}

// FindResult is the outcome of a C-FIND exchange.
type FindResult struct {
	Matches      []*Dataset
	Status       uint16
	ErrorComment string
}

// Find sends a worklist C-FIND and collects every pending match until the
// final response.
func (c *Client) Find(ctx context.Context, identifier *Dataset) (*FindResult, error) {
	id, err := c.context(ModalityWorklistInformationModelFind)
	if err != nil {
		return nil, err
	}
	c.deadline(ctx)
	cmd := NewDataset()
	cmd.SetString(TagAffectedSOPClassUID, ModalityWorklistInformationModelFind)
	cmd.SetUint16(TagCommandField, CommandCFindRQ)
	cmd.SetUint16(TagMessageID, c.messageID())
	cmd.SetUint16(TagPriority, 0)
	if err := c.assoc.send(&Message{ContextID: id, Command: cmd, Data: identifier}); err != nil {
		return nil, err
	}

	res := &FindResult{}
	for {
		rsp, err := c.receive()
		if err != nil {
			return nil, err
		}
		status, _ := rsp.Command.Uint16(TagStatus)
		if status == StatusPending || status == 0xFF01 {
			if rsp.Data != nil {
				res.Matches = append(res.Matches, rsp.Data)
			}
			continue
		}
		res.Status = status
		res.ErrorComment = rsp.Command.String(TagErrorComment)
		return res, nil
	}
}

// NCreate sends an MPPS N-CREATE for instanceUID.
func (c *Client) NCreate(ctx context.Context, instanceUID string, attrs *Dataset) (Response, error) {
	cmd := NewDataset()
	cmd.SetString(TagAffectedSOPClassUID, ModalityPerformedProcedureStepSOPClass)
	cmd.SetUint16(TagCommandField, CommandNCreateRQ)
	if instanceUID != "" {
		cmd.SetString(TagAffectedSOPInstanceUID, instanceUID)
	}
	return c.procedureStep(ctx, cmd, attrs)
}

// NSet sends an MPPS N-SET for instanceUID.
func (c *Client) NSet(ctx context.Context, instanceUID string, mods *Dataset) (Response, error) {
	cmd := NewDataset()
	cmd.SetString(TagRequestedSOPClassUID, ModalityPerformedProcedureStepSOPClass)
	cmd.SetUint16(TagCommandField, CommandNSetRQ)
	cmd.SetString(TagRequestedSOPInstanceUID, instanceUID)
	return c.procedureStep(ctx, cmd, mods)
}

func (c *Client) procedureStep(ctx context.Context, cmd, data *Dataset) (Response, error) {
	id, err := c.context(ModalityPerformedProcedureStepSOPClass)
	if err != nil {
		return Response{}, err
	}
	c.deadline(ctx)
	cmd.SetUint16(TagMessageID, c.messageID())
	if data == nil {
		data = NewDataset()
	}
	if err := c.assoc.send(&Message{ContextID: id, Command: cmd, Data: data}); err != nil {
		return Response{}, err
	}
	rsp, err := c.receive()
	if err != nil {
		return Response{}, err
	}
	status, _ := rsp.Command.Uint16(TagStatus)
	return Response{
		Status:       status,
		Dataset:      rsp.Data,
		ErrorComment: rsp.Command.String(TagErrorComment),
	}, nil
}

// Release performs an orderly A-RELEASE and closes the connection.
func (c *Client) Release(ctx context.Context) error {
	defer c.assoc.conn.Close()
	c.deadline(ctx)
	if err := writePDU(c.assoc.conn, pduReleaseRQ, make([]byte, 4)); err != nil {
		return fmt.Errorf("dimse: write a-release-rq: %w", err)
	}
	for {
		p, err := readPDU(c.assoc.conn)
		if err != nil {
			return fmt.Errorf("dimse: read a-release-rp: %w", err)
		}
		switch p.Type {
		case pduReleaseRP:
			return nil
		case pduAbort:
			return ErrAborted
		}
	}
}

// Abort sends A-ABORT and closes the connection.
func (c *Client) Abort() error {
	writePDU(c.assoc.conn, pduAbort, encodeAbort())
	return c.assoc.conn.Close()
}
