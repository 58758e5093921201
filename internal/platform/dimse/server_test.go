package dimse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// =========== Mock Services ===========

type mockFinder struct {
	mu      sync.Mutex
	queries []*Request
	matches []*Dataset
	status  uint16
}

func (m *mockFinder) HandleFind(ctx context.Context, req *Request, emit func(*Dataset) error) Response {
	m.mu.Lock()
	m.queries = append(m.queries, req)
	m.mu.Unlock()
	for _, ds := range m.matches {
		if err := emit(ds); err != nil {
			return Response{Status: StatusUnableToProcess}
		}
	}
	return Response{Status: m.status}
}

type mockSteps struct {
	mu      sync.Mutex
	created []*Request
	set     []*Request
}

func (m *mockSteps) HandleNCreate(ctx context.Context, req *Request) Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	return Response{Status: StatusSuccess}
}

func (m *mockSteps) HandleNSet(ctx context.Context, req *Request) Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = append(m.set, req)
	if req.SOPInstanceUID == "9.9.9" {
		return Response{Status: StatusNoSuchObjectInstance, ErrorComment: "unknown step"}
	}
	return Response{Status: StatusSuccess}
}

func startServer(t *testing.T, services Services) *Server {
	t.Helper()
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0", AETitle: "WORKLIST", MaxPDULength: 1024, IdleTimeout: 5 * time.Second}, services, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server, called string, abstracts ...string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.Addr(), ClientConfig{CallingAE: "CT01", CalledAE: called, AbstractSyntaxes: abstracts})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =========== Server Tests ===========

func TestServer_StartStop(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, Services{}, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Addr() == "" {
		t.Fatal("Addr() returned empty string")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestServer_Echo(t *testing.T) {
	s := startServer(t, Services{})
	c := dial(t, s, "WORKLIST", VerificationSOPClass)

	status, err := c.Echo(testCtx(t))
	if err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("expected success, got 0x%04X", status)
	}
	if c.TransferSyntax(VerificationSOPClass) != ExplicitVRLittleEndian {
		t.Errorf("expected explicit VR to be preferred, got %q", c.TransferSyntax(VerificationSOPClass))
	}
	if err := c.Release(testCtx(t)); err != nil {
		t.Errorf("Release failed: %v", err)
	}
}

func TestServer_RejectsUnknownCalledAE(t *testing.T) {
	s := startServer(t, Services{})
	_, err := Dial(testCtx(t), s.Addr(), ClientConfig{CallingAE: "CT01", CalledAE: "OTHER"})
	var rj *RejectError
	if !errors.As(err, &rj) {
		t.Fatalf("expected RejectError, got %v", err)
	}
	if rj.Reason != rejectCalledAENotRecognized {
		t.Errorf("expected reason %d, got %d", rejectCalledAENotRecognized, rj.Reason)
	}
}

func TestServer_UnregisteredServiceNotAccepted(t *testing.T) {
	s := startServer(t, Services{})
	c := dial(t, s, "WORKLIST", VerificationSOPClass, ModalityWorklistInformationModelFind)
	defer c.Abort()

	if c.Accepted(ModalityWorklistInformationModelFind) {
		t.Error("expected worklist context to be rejected without a handler")
	}
	if _, err := c.Find(testCtx(t), NewDataset()); err == nil {
		t.Error("expected Find to fail without an accepted context")
	}
}

func TestServer_FindStreamsPendingResponses(t *testing.T) {
	var matches []*Dataset
	for _, name := range []string{"HONG^GIL DONG", "KIM^MIN SU"} {
		ds := NewDataset()
		ds.SetString(TagPatientName, name)
		// Large enough to force fragmentation at the 1024 byte PDU limit.
		ds.SetString(TagRequestedProcedureDescription, strings.Repeat("X", 1500))
		matches = append(matches, ds)
	}
	finder := &mockFinder{matches: matches, status: StatusSuccess}
	s := startServer(t, Services{Worklist: finder})

	for _, ts := range []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian} {
		c, err := Dial(testCtx(t), s.Addr(), ClientConfig{
			CallingAE:        "CT01",
			CalledAE:         "WORKLIST",
			MaxPDULength:     1024,
			AbstractSyntaxes: []string{ModalityWorklistInformationModelFind},
			TransferSyntaxes: []string{ts},
		})
		if err != nil {
			t.Fatalf("Dial(%s) failed: %v", ts, err)
		}

		res, err := c.Find(testCtx(t), sampleIdentifier())
		if err != nil {
			t.Fatalf("Find(%s) failed: %v", ts, err)
		}
		if res.Status != StatusSuccess {
			t.Errorf("%s: expected final success, got 0x%04X", ts, res.Status)
		}
		if len(res.Matches) != 2 {
			t.Fatalf("%s: expected 2 matches, got %d", ts, len(res.Matches))
		}
		if got := res.Matches[1].String(TagPatientName); got != "KIM^MIN SU" {
			t.Errorf("%s: expected second match KIM^MIN SU, got %q", ts, got)
		}
		if got := len(res.Matches[0].String(TagRequestedProcedureDescription)); got != 1500 {
			t.Errorf("%s: expected 1500 byte description, got %d", ts, got)
		}
		c.Release(testCtx(t))
	}

	finder.mu.Lock()
	defer finder.mu.Unlock()
	if len(finder.queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(finder.queries))
	}
	q := finder.queries[0]
	if q.Peer.CallingAE != "CT01" {
		t.Errorf("expected calling AE CT01, got %q", q.Peer.CallingAE)
	}
	if q.Dataset.String(TagPatientName) != "HONG*" {
		t.Errorf("expected identifier to reach the handler, got %q", q.Dataset.String(TagPatientName))
	}
}

func TestServer_FindFailureStatus(t *testing.T) {
	finder := &mockFinder{status: StatusIdentifierDoesNotMatch}
	s := startServer(t, Services{Worklist: finder})
	c := dial(t, s, "WORKLIST", ModalityWorklistInformationModelFind)
	defer c.Release(testCtx(t))

	res, err := c.Find(testCtx(t), sampleIdentifier())
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if res.Status != StatusIdentifierDoesNotMatch {
		t.Errorf("expected 0xA900, got 0x%04X", res.Status)
	}
	if len(res.Matches) != 0 {
		t.Errorf("expected no matches, got %d", len(res.Matches))
	}
}

func TestServer_ProcedureStep(t *testing.T) {
	steps := &mockSteps{}
	s := startServer(t, Services{ProcedureStep: steps})
	c := dial(t, s, "WORKLIST", ModalityPerformedProcedureStepSOPClass)
	defer c.Release(testCtx(t))

	attrs := NewDataset()
	attrs.SetString(TagPerformedProcedureStepStatus, "IN PROGRESS")
	rsp, err := c.NCreate(testCtx(t), "1.2.3.4", attrs)
	if err != nil {
		t.Fatalf("NCreate failed: %v", err)
	}
	if rsp.Status != StatusSuccess {
		t.Errorf("expected success, got 0x%04X", rsp.Status)
	}

	rsp, err = c.NSet(testCtx(t), "9.9.9", NewDataset())
	if err != nil {
		t.Fatalf("NSet failed: %v", err)
	}
	if rsp.Status != StatusNoSuchObjectInstance {
		t.Errorf("expected 0x0112, got 0x%04X", rsp.Status)
	}
	if rsp.ErrorComment != "unknown step" {
		t.Errorf("expected error comment, got %q", rsp.ErrorComment)
	}

	steps.mu.Lock()
	defer steps.mu.Unlock()
	if len(steps.created) != 1 || steps.created[0].SOPInstanceUID != "1.2.3.4" {
		t.Fatalf("expected one N-CREATE for 1.2.3.4, got %+v", steps.created)
	}
	if steps.created[0].Dataset.String(TagPerformedProcedureStepStatus) != "IN PROGRESS" {
		t.Errorf("expected status attribute to reach the handler")
	}
	if len(steps.set) != 1 || steps.set[0].SOPInstanceUID != "9.9.9" {
		t.Errorf("expected one N-SET for 9.9.9, got %+v", steps.set)
	}
}

func TestServer_MultipleAssociations(t *testing.T) {
	s := startServer(t, Services{})
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := Dial(ctx, s.Addr(), ClientConfig{CallingAE: "CT01", CalledAE: "WORKLIST"})
			if err != nil {
				errs <- err
				return
			}
			if _, err := c.Echo(ctx); err != nil {
				errs <- err
			}
			c.Release(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("association failed: %v", err)
	}
}
