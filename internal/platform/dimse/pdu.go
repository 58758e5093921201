package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PDU types (PS3.8 section 9.3).
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduPData       byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Variable item types inside association PDUs.
const (
	itemApplicationContext byte = 0x10
	itemPresentationRQ     byte = 0x20
	itemPresentationAC     byte = 0x21
	itemAbstractSyntax     byte = 0x30
	itemTransferSyntax     byte = 0x40
	itemUserInformation    byte = 0x50
	itemMaxLength          byte = 0x51
	itemImplClassUID       byte = 0x52
	itemImplVersion        byte = 0x55
)

// Presentation context negotiation results.
const (
	contextAccepted                   byte = 0
	contextAbstractSyntaxNotSupported byte = 3
	contextTransferSyntaxNotSupported byte = 4
)

// A-ASSOCIATE-RJ reasons (service user source).
const (
	rejectNoReason              byte = 1
	rejectAppContextUnsupported byte = 2
	rejectCalledAENotRecognized byte = 7
)

// maxPDUReadSize bounds any single inbound PDU.
const maxPDUReadSize = 1 << 22

var errPDUTooLarge = errors.New("dimse: pdu exceeds maximum size")

type pdu struct {
	Type byte
	Data []byte
}

func readPDU(r io.Reader) (*pdu, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	if length > maxPDUReadSize {
		return nil, errPDUTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &pdu{Type: hdr[0], Data: data}, nil
}

func writePDU(w io.Writer, typ byte, data []byte) error {
	frame := make([]byte, 6, 6+len(data))
	frame[0] = typ
	binary.BigEndian.PutUint32(frame[2:], uint32(len(data)))
	frame = append(frame, data...)
	_, err := w.Write(frame)
	return err
}

// PresentationContext is one proposed abstract syntax with its candidate
// transfer syntaxes.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRequest is a decoded A-ASSOCIATE-RQ.
type AssociateRequest struct {
	CalledAE               string
	CallingAE              string
	ApplicationContext     string
	Contexts               []PresentationContext
	MaxPDULength           uint32
	ImplementationClassUID string
	ImplementationVersion  string
}

type acceptedContext struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// associateAccept is an A-ASSOCIATE-AC in either direction.
type associateAccept struct {
	CalledAE               string
	CallingAE              string
	Contexts               []acceptedContext
	MaxPDULength           uint32
	ImplementationClassUID string
	ImplementationVersion  string
}

func padAE(ae string) []byte {
	b := []byte(fmt.Sprintf("%-16s", ae))
	return b[:16]
}

func trimAE(b []byte) string {
	return strings.TrimSpace(string(b))
}

func appendItem(buf *bytes.Buffer, typ byte, data []byte) {
	buf.WriteByte(typ)
	buf.WriteByte(0)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	buf.Write(l[:])
	buf.Write(data)
}

type item struct {
	Type byte
	Data []byte
}

func splitItems(data []byte) ([]item, error) {
	var items []item
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("dimse: truncated item header")
		}
		l := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < 4+l {
			return nil, fmt.Errorf("dimse: item 0x%02X length %d exceeds pdu", data[0], l)
		}
		items = append(items, item{Type: data[0], Data: data[4 : 4+l]})
		data = data[4+l:]
	}
	return items, nil
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func encodeAssociateRQ(rq *AssociateRequest) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x01, 0x00, 0x00})
	buf.Write(padAE(rq.CalledAE))
	buf.Write(padAE(rq.CallingAE))
	buf.Write(make([]byte, 32))
	appendItem(&buf, itemApplicationContext, []byte(ApplicationContextUID))
	for _, pc := range rq.Contexts {
		var sub bytes.Buffer
		sub.Write([]byte{pc.ID, 0, 0, 0})
		appendItem(&sub, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			appendItem(&sub, itemTransferSyntax, []byte(ts))
		}
		appendItem(&buf, itemPresentationRQ, sub.Bytes())
	}
	appendItem(&buf, itemUserInformation, encodeUserInfo(rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersion))
	return buf.Bytes()
}

func decodeAssociateRQ(data []byte) (*AssociateRequest, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("dimse: a-associate-rq too short (%d bytes)", len(data))
	}
	rq := &AssociateRequest{
		CalledAE:  trimAE(data[4:20]),
		CallingAE: trimAE(data[20:36]),
	}
	items, err := splitItems(data[68:])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		switch it.Type {
		case itemApplicationContext:
			rq.ApplicationContext = trimUID(it.Data)
		case itemPresentationRQ:
			if len(it.Data) < 4 {
				return nil, fmt.Errorf("dimse: truncated presentation context")
			}
			pc := PresentationContext{ID: it.Data[0]}
			subs, err := splitItems(it.Data[4:])
			if err != nil {
				return nil, err
			}
			for _, s := range subs {
				switch s.Type {
				case itemAbstractSyntax:
					pc.AbstractSyntax = trimUID(s.Data)
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(s.Data))
				}
			}
			rq.Contexts = append(rq.Contexts, pc)
		case itemUserInformation:
			rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersion, err = decodeUserInfo(it.Data)
			if err != nil {
				return nil, err
			}
		}
	}
	return rq, nil
}

func encodeUserInfo(maxLen uint32, implUID, implVersion string) []byte {
	var buf bytes.Buffer
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], maxLen)
	appendItem(&buf, itemMaxLength, l[:])
	appendItem(&buf, itemImplClassUID, []byte(implUID))
	if implVersion != "" {
		appendItem(&buf, itemImplVersion, []byte(implVersion))
	}
	return buf.Bytes()
}

func decodeUserInfo(data []byte) (uint32, string, string, error) {
	subs, err := splitItems(data)
	if err != nil {
		return 0, "", "", err
	}
	var (
		maxLen      uint32
		implUID     string
		implVersion string
	)
	for _, s := range subs {
		switch s.Type {
		case itemMaxLength:
			if len(s.Data) == 4 {
				maxLen = binary.BigEndian.Uint32(s.Data)
			}
		case itemImplClassUID:
			implUID = trimUID(s.Data)
		case itemImplVersion:
			implVersion = strings.TrimSpace(string(s.Data))
		}
	}
	return maxLen, implUID, implVersion, nil
}

func encodeAssociateAC(ac *associateAccept) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x01, 0x00, 0x00})
	buf.Write(padAE(ac.CalledAE))
	buf.Write(padAE(ac.CallingAE))
	buf.Write(make([]byte, 32))
	appendItem(&buf, itemApplicationContext, []byte(ApplicationContextUID))
	for _, pc := range ac.Contexts {
		var sub bytes.Buffer
		sub.Write([]byte{pc.ID, 0, pc.Result, 0})
		appendItem(&sub, itemTransferSyntax, []byte(pc.TransferSyntax))
		appendItem(&buf, itemPresentationAC, sub.Bytes())
	}
	appendItem(&buf, itemUserInformation, encodeUserInfo(ac.MaxPDULength, ac.ImplementationClassUID, ac.ImplementationVersion))
	return buf.Bytes()
}

func decodeAssociateAC(data []byte) (*associateAccept, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("dimse: a-associate-ac too short (%d bytes)", len(data))
	}
	ac := &associateAccept{
		CalledAE:  trimAE(data[4:20]),
		CallingAE: trimAE(data[20:36]),
	}
	items, err := splitItems(data[68:])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		switch it.Type {
		case itemPresentationAC:
			if len(it.Data) < 4 {
				return nil, fmt.Errorf("dimse: truncated presentation context")
			}
			pc := acceptedContext{ID: it.Data[0], Result: it.Data[2]}
			subs, err := splitItems(it.Data[4:])
			if err != nil {
				return nil, err
			}
			for _, s := range subs {
				if s.Type == itemTransferSyntax {
					pc.TransferSyntax = trimUID(s.Data)
				}
			}
			ac.Contexts = append(ac.Contexts, pc)
		case itemUserInformation:
			ac.MaxPDULength, ac.ImplementationClassUID, ac.ImplementationVersion, err = decodeUserInfo(it.Data)
			if err != nil {
				return nil, err
			}
		}
	}
	return ac, nil
}

func encodeAssociateRJ(reason byte) []byte {
	// result 1 = rejected-permanent, source 1 = service-user
	return []byte{0x00, 0x01, 0x01, reason}
}

func encodeAbort() []byte {
	// source 0 = service-user initiated
	return []byte{0x00, 0x00, 0x00, 0x00}
}

// pdv is one presentation data value inside a P-DATA-TF PDU.
type pdv struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

func decodePData(data []byte) ([]pdv, error) {
	var out []pdv
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, fmt.Errorf("dimse: truncated pdv header")
		}
		l := int(binary.BigEndian.Uint32(data[:4]))
		if l < 2 || len(data) < 4+l {
			return nil, fmt.Errorf("dimse: pdv length %d invalid", l)
		}
		hdr := data[5]
		out = append(out, pdv{
			ContextID: data[4],
			Command:   hdr&0x01 != 0,
			Last:      hdr&0x02 != 0,
			Data:      data[6 : 4+l],
		})
		data = data[4+l:]
	}
	return out, nil
}

func encodePDV(p pdv) []byte {
	b := make([]byte, 6, 6+len(p.Data))
	binary.BigEndian.PutUint32(b[:4], uint32(len(p.Data)+2))
	b[4] = p.ContextID
	var hdr byte
	if p.Command {
		hdr |= 0x01
	}
	if p.Last {
		hdr |= 0x02
	}
	b[5] = hdr
	return append(b, p.Data...)
}
