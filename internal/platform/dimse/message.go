package dimse

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Message is one DIMSE message: a command set and an optional dataset.
type Message struct {
	ContextID byte
	Command   *Dataset
	Data      *Dataset
}

// CommandField returns the command field value of the message.
func (m *Message) CommandField() uint16 {
	v, _ := m.Command.Uint16(TagCommandField)
	return v
}

// MessageID returns the message id of a request.
func (m *Message) MessageID() uint16 {
	v, _ := m.Command.Uint16(TagMessageID)
	return v
}

func commandHasDataset(cmd *Dataset) bool {
	v, ok := cmd.Uint16(TagCommandDataSetType)
	return ok && v != noDataSet
}

// association is a negotiated connection shared by the server and client
// sides. It owns reassembly of incoming PDVs and fragmentation of outgoing
// messages.
type association struct {
	conn        net.Conn
	peerMaxPDU  uint32
	idleTimeout time.Duration
	// transfer syntax per accepted presentation context id
	contexts map[byte]string
	// abstract syntax per accepted presentation context id
	abstracts map[byte]string

	cmdBuf  []byte
	dataBuf []byte
	pending *Message
	queued  []pdv
}

func (a *association) explicit(ctxID byte) bool {
	return a.contexts[ctxID] == ExplicitVRLittleEndian
}

// readMessage blocks until a complete message arrives. It returns the PDU
// type that interrupted message reading (release or abort) with a nil
// message.
func (a *association) readMessage() (*Message, byte, error) {
	for len(a.queued) > 0 {
		v := a.queued[0]
		a.queued = a.queued[1:]
		msg, err := a.feed(v)
		if err != nil {
			return nil, 0, err
		}
		if msg != nil {
			return msg, pduPData, nil
		}
	}
	for {
		if a.idleTimeout > 0 {
			a.conn.SetReadDeadline(time.Now().Add(a.idleTimeout))
		}
		p, err := readPDU(a.conn)
		if err != nil {
			return nil, 0, err
		}
		if p.Type != pduPData {
			return nil, p.Type, nil
		}
		pdvs, err := decodePData(p.Data)
		if err != nil {
			return nil, 0, err
		}
		for i, v := range pdvs {
			msg, err := a.feed(v)
			if err != nil {
				return nil, 0, err
			}
			if msg != nil {
				a.queued = append(a.queued, pdvs[i+1:]...)
				return msg, pduPData, nil
			}
		}
	}
}

// maxMessageSize bounds a reassembled command or dataset. A peer that
// exceeds it gets its association aborted.
const maxMessageSize = 16 << 20

// ErrMessageTooLarge is returned when a fragmented message exceeds
// maxMessageSize.
var ErrMessageTooLarge = errors.New("dimse: message exceeds size limit")

// feed accumulates one PDV and returns a message once it is complete.
func (a *association) feed(v pdv) (*Message, error) {
	if _, ok := a.contexts[v.ContextID]; !ok {
		return nil, fmt.Errorf("dimse: pdv for unaccepted presentation context %d", v.ContextID)
	}
	if v.Command {
		if size := len(a.cmdBuf) + len(v.Data); size > maxMessageSize {
			a.cmdBuf = a.cmdBuf[:0]
			return nil, fmt.Errorf("%w: command of %d bytes", ErrMessageTooLarge, size)
		}
		a.cmdBuf = append(a.cmdBuf, v.Data...)
		if !v.Last {
			return nil, nil
		}
		cmd, err := Decode(a.cmdBuf, false)
		a.cmdBuf = a.cmdBuf[:0]
		if err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		msg := &Message{ContextID: v.ContextID, Command: cmd}
		if !commandHasDataset(cmd) {
			return msg, nil
		}
		a.pending = msg
		return nil, nil
	}

	if a.pending == nil {
		return nil, fmt.Errorf("dimse: dataset fragment without command")
	}
	if size := len(a.dataBuf) + len(v.Data); size > maxMessageSize {
		a.dataBuf = a.dataBuf[:0]
		a.pending = nil
		return nil, fmt.Errorf("%w: dataset of %d bytes", ErrMessageTooLarge, size)
	}
	a.dataBuf = append(a.dataBuf, v.Data...)
	if !v.Last {
		return nil, nil
	}
	data, err := Decode(a.dataBuf, a.explicit(v.ContextID))
	a.dataBuf = a.dataBuf[:0]
	if err != nil {
		a.pending = nil
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	msg := a.pending
	msg.Data = data
	a.pending = nil
	return msg, nil
}

// maxFragment is the ceiling for a single PDV payload when the peer does not
// limit PDU size.
const maxFragment = 1 << 16

func (a *association) fragmentSize() int {
	if a.peerMaxPDU == 0 || a.peerMaxPDU > maxFragment {
		return maxFragment
	}
	// PDV item header (4 length + context id + control) takes 6 bytes.
	n := int(a.peerMaxPDU) - 6
	if n < 1 {
		n = 1
	}
	return n
}

// send writes msg, fragmenting command and dataset to the peer's maximum
// PDU length.
func (a *association) send(msg *Message) error {
	if msg.Data != nil {
		msg.Command.SetUint16(TagCommandDataSetType, 0x0000)
	} else {
		msg.Command.SetUint16(TagCommandDataSetType, noDataSet)
	}
	msg.Command.Remove(TagCommandGroupLength)
	body, err := Encode(msg.Command, false)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	msg.Command.SetUint32(TagCommandGroupLength, uint32(len(body)))
	cmdBytes, err := Encode(msg.Command, false)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if err := a.sendFragments(msg.ContextID, true, cmdBytes); err != nil {
		return err
	}
	if msg.Data == nil {
		return nil
	}
	dataBytes, err := Encode(msg.Data, a.explicit(msg.ContextID))
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	return a.sendFragments(msg.ContextID, false, dataBytes)
}

func (a *association) sendFragments(ctxID byte, command bool, data []byte) error {
	size := a.fragmentSize()
	for {
		n := len(data)
		if n > size {
			n = size
		}
		last := n == len(data)
		frame := encodePDV(pdv{ContextID: ctxID, Command: command, Last: last, Data: data[:n]})
		a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writePDU(a.conn, pduPData, frame); err != nil {
			return fmt.Errorf("write p-data: %w", err)
		}
		data = data[n:]
		if last {
			return nil
		}
	}
}

const writeTimeout = 10 * time.Second
