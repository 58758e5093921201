package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// defaultMaxPDULength is advertised when the configuration leaves it unset.
	defaultMaxPDULength = 16384

	// defaultIdleTimeout bounds how long an association may sit without traffic.
	defaultIdleTimeout = 30 * time.Second
)

// Peer describes the remote end of an association.
type Peer struct {
	CallingAE  string
	CalledAE   string
	RemoteAddr string
}

// Request is an inbound DIMSE service request.
type Request struct {
	Peer           Peer
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
	Dataset        *Dataset
}

// Response is the final answer to a request.
type Response struct {
	Status       uint16
	Dataset      *Dataset
	ErrorComment string
}

// FindHandler answers C-FIND requests. It calls emit once per match; each
// call is sent to the peer as a pending response before the final Response.
type FindHandler interface {
	HandleFind(ctx context.Context, req *Request, emit func(*Dataset) error) Response
}

// ProcedureStepHandler answers N-CREATE and N-SET requests.
type ProcedureStepHandler interface {
	HandleNCreate(ctx context.Context, req *Request) Response
	HandleNSet(ctx context.Context, req *Request) Response
}

// Services holds the service providers registered on a server. Verification
// is always offered; the others only when their handler is set.
type Services struct {
	Worklist      FindHandler
	ProcedureStep ProcedureStepHandler
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr         string
	AETitle      string
	MaxPDULength uint32
	IdleTimeout  time.Duration
}

// Server accepts DICOM associations over TCP and dispatches DIMSE requests
// to the registered services.
type Server struct {
	cfg      ServerConfig
	services Services
	logger   zerolog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewServer creates a server that will listen on cfg.Addr.
func NewServer(cfg ServerConfig, services Services, logger zerolog.Logger) *Server {
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = defaultMaxPDULength
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		services: services,
		logger:   logger.With().Str("component", "dimse").Str("ae_title", cfg.AETitle).Logger(),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening. The accept loop runs in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dimse: failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open association, then waits for all
// association goroutines to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return err
}

// Addr returns the bound listener address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) supported(abstract string) bool {
	switch abstract {
	case VerificationSOPClass:
		return true
	case ModalityWorklistInformationModelFind:
		return s.services.Worklist != nil
	case ModalityPerformedProcedureStepSOPClass:
		return s.services.ProcedureStep != nil
	}
	return false
}

// negotiate decides every proposed presentation context. Explicit VR Little
// Endian is preferred over Implicit when both are offered.
func (s *Server) negotiate(rq *AssociateRequest) []acceptedContext {
	out := make([]acceptedContext, 0, len(rq.Contexts))
	for _, pc := range rq.Contexts {
		res := acceptedContext{ID: pc.ID, TransferSyntax: ImplicitVRLittleEndian}
		if !s.supported(pc.AbstractSyntax) {
			res.Result = contextAbstractSyntaxNotSupported
			out = append(out, res)
			continue
		}
		var explicit, implicit bool
		for _, ts := range pc.TransferSyntaxes {
			switch ts {
			case ExplicitVRLittleEndian:
				explicit = true
			case ImplicitVRLittleEndian:
				implicit = true
			}
		}
		switch {
		case explicit:
			res.TransferSyntax = ExplicitVRLittleEndian
		case implicit:
		default:
			res.Result = contextTransferSyntaxNotSupported
		}
		out = append(out, res)
	}
	return out
}

func (s *Server) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	p, err := readPDU(conn)
	if err != nil {
		log.Debug().Err(err).Msg("association request not received")
		return
	}
	if p.Type != pduAssociateRQ {
		log.Warn().Uint8("pdu_type", p.Type).Msg("expected A-ASSOCIATE-RQ")
		writePDU(conn, pduAbort, encodeAbort())
		return
	}
	rq, err := decodeAssociateRQ(p.Data)
	if err != nil {
		log.Warn().Err(err).Msg("malformed A-ASSOCIATE-RQ")
		writePDU(conn, pduAbort, encodeAbort())
		return
	}
	log = log.With().Str("calling_ae", rq.CallingAE).Str("called_ae", rq.CalledAE).Logger()

	if rq.ApplicationContext != ApplicationContextUID {
		log.Warn().Str("context", rq.ApplicationContext).Msg("association rejected: application context not supported")
		writePDU(conn, pduAssociateRJ, encodeAssociateRJ(rejectAppContextUnsupported))
		return
	}
	if s.cfg.AETitle != "" && rq.CalledAE != s.cfg.AETitle {
		log.Warn().Msg("association rejected: called AE title not recognized")
		writePDU(conn, pduAssociateRJ, encodeAssociateRJ(rejectCalledAENotRecognized))
		return
	}

	contexts := s.negotiate(rq)
	assoc := &association{
		conn:        conn,
		peerMaxPDU:  rq.MaxPDULength,
		idleTimeout: s.cfg.IdleTimeout,
		contexts:    make(map[byte]string),
		abstracts:   make(map[byte]string),
	}
	for i, c := range contexts {
		if c.Result == contextAccepted {
			assoc.contexts[c.ID] = c.TransferSyntax
			assoc.abstracts[c.ID] = rq.Contexts[i].AbstractSyntax
		}
	}

	ac := &associateAccept{
		CalledAE:               rq.CalledAE,
		CallingAE:              rq.CallingAE,
		Contexts:               contexts,
		MaxPDULength:           s.cfg.MaxPDULength,
		ImplementationClassUID: ImplementationClassUID,
		ImplementationVersion:  ImplementationVersion,
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writePDU(conn, pduAssociateAC, encodeAssociateAC(ac)); err != nil {
		log.Warn().Err(err).Msg("write A-ASSOCIATE-AC failed")
		return
	}
	log.Debug().Int("accepted_contexts", len(assoc.contexts)).Msg("association established")

	peer := Peer{CallingAE: rq.CallingAE, CalledAE: rq.CalledAE, RemoteAddr: conn.RemoteAddr().String()}
	for {
		msg, typ, err := assoc.readMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Debug().Msg("association idle timeout")
			default:
				log.Warn().Err(err).Msg("association aborted")
				writePDU(conn, pduAbort, encodeAbort())
			}
			return
		}
		switch typ {
		case pduPData:
			if err := s.dispatch(assoc, peer, msg, log); err != nil {
				log.Warn().Err(err).Msg("association aborted")
				writePDU(conn, pduAbort, encodeAbort())
				return
			}
		case pduReleaseRQ:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			writePDU(conn, pduReleaseRP, make([]byte, 4))
			log.Debug().Msg("association released")
			return
		case pduAbort:
			log.Debug().Msg("association aborted by peer")
			return
		default:
			log.Warn().Uint8("pdu_type", typ).Msg("unexpected pdu")
			writePDU(conn, pduAbort, encodeAbort())
			return
		}
	}
}

func responseCommand(field uint16, req *Message, sopClass string, status uint16) *Dataset {
	cmd := NewDataset()
	if sopClass != "" {
		cmd.SetString(TagAffectedSOPClassUID, sopClass)
	}
	cmd.SetUint16(TagCommandField, field)
	cmd.SetUint16(TagMessageIDBeingRespondedTo, req.MessageID())
	cmd.SetUint16(TagStatus, status)
	return cmd
}

func (s *Server) dispatch(assoc *association, peer Peer, msg *Message, log zerolog.Logger) error {
	abstract := assoc.abstracts[msg.ContextID]
	switch msg.CommandField() {
	case CommandCEchoRQ:
		log.Debug().Msg("C-ECHO")
		return assoc.send(&Message{
			ContextID: msg.ContextID,
			Command:   responseCommand(CommandCEchoRSP, msg, VerificationSOPClass, StatusSuccess),
		})

	case CommandCFindRQ:
		return s.handleFind(assoc, peer, msg, abstract, log)

	case CommandNCreateRQ, CommandNSetRQ:
		return s.handleProcedureStep(assoc, peer, msg, abstract, log)

	case CommandCCancelRQ:
		// Find results are streamed synchronously, so a cancel can only
		// arrive after the final response has been sent.
		return nil
	}
	return fmt.Errorf("dimse: unsupported command field 0x%04X", msg.CommandField())
}

func (s *Server) handleFind(assoc *association, peer Peer, msg *Message, abstract string, log zerolog.Logger) error {
	sopClass := msg.Command.String(TagAffectedSOPClassUID)
	if abstract != ModalityWorklistInformationModelFind || s.services.Worklist == nil {
		return assoc.send(&Message{
			ContextID: msg.ContextID,
			Command:   responseCommand(CommandCFindRSP, msg, sopClass, StatusUnrecognizedOperation),
		})
	}
	req := &Request{
		Peer:        peer,
		MessageID:   msg.MessageID(),
		SOPClassUID: sopClass,
		Dataset:     msg.Data,
	}
	if req.Dataset == nil {
		req.Dataset = NewDataset()
	}

	pending := 0
	emit := func(ds *Dataset) error {
		pending++
		return assoc.send(&Message{
			ContextID: msg.ContextID,
			Command:   responseCommand(CommandCFindRSP, msg, sopClass, StatusPending),
			Data:      ds,
		})
	}
	resp := s.services.Worklist.HandleFind(s.ctx, req, emit)
	if errors.Is(s.ctx.Err(), context.Canceled) {
		return s.ctx.Err()
	}
	log.Info().Int("matches", pending).Str("status", fmt.Sprintf("0x%04X", resp.Status)).Msg("C-FIND")

	cmd := responseCommand(CommandCFindRSP, msg, sopClass, resp.Status)
	if resp.ErrorComment != "" {
		cmd.SetString(TagErrorComment, truncate(resp.ErrorComment, 64))
	}
	return assoc.send(&Message{ContextID: msg.ContextID, Command: cmd})
}

func (s *Server) handleProcedureStep(assoc *association, peer Peer, msg *Message, abstract string, log zerolog.Logger) error {
	field := msg.CommandField()
	create := field == CommandNCreateRQ
	rspField := CommandNSetRSP
	sopClass := msg.Command.String(TagRequestedSOPClassUID)
	instance := msg.Command.String(TagRequestedSOPInstanceUID)
	if create {
		rspField = CommandNCreateRSP
		sopClass = msg.Command.String(TagAffectedSOPClassUID)
		instance = msg.Command.String(TagAffectedSOPInstanceUID)
	}

	var resp Response
	if abstract != ModalityPerformedProcedureStepSOPClass || s.services.ProcedureStep == nil {
		resp = Response{Status: StatusUnrecognizedOperation}
	} else {
		req := &Request{
			Peer:           peer,
			MessageID:      msg.MessageID(),
			SOPClassUID:    sopClass,
			SOPInstanceUID: instance,
			Dataset:        msg.Data,
		}
		if req.Dataset == nil {
			req.Dataset = NewDataset()
		}
		if create {
			resp = s.services.ProcedureStep.HandleNCreate(s.ctx, req)
		} else {
			resp = s.services.ProcedureStep.HandleNSet(s.ctx, req)
		}
	}

	op := "N-SET"
	if create {
		op = "N-CREATE"
	}
	log.Info().Str("sop_instance_uid", instance).Str("status", fmt.Sprintf("0x%04X", resp.Status)).Msg(op)

	cmd := responseCommand(rspField, msg, sopClass, resp.Status)
	if instance != "" {
		cmd.SetString(TagAffectedSOPInstanceUID, instance)
	}
	if resp.ErrorComment != "" {
		cmd.SetString(TagErrorComment, truncate(resp.ErrorComment, 64))
	}
	return assoc.send(&Message{ContextID: msg.ContextID, Command: cmd, Data: resp.Dataset})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
