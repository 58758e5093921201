package dimse

import (
	"bytes"
	"testing"
)

func TestAssociateRQ_RoundTrip(t *testing.T) {
	rq := &AssociateRequest{
		CalledAE:               "WORKLIST",
		CallingAE:              "CT01",
		ApplicationContext:     ApplicationContextUID,
		MaxPDULength:           32768,
		ImplementationClassUID: ImplementationClassUID,
		ImplementationVersion:  ImplementationVersion,
		Contexts: []PresentationContext{
			{ID: 1, AbstractSyntax: ModalityWorklistInformationModelFind, TransferSyntaxes: []string{ImplicitVRLittleEndian}},
			{ID: 3, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}},
		},
	}
	got, err := decodeAssociateRQ(encodeAssociateRQ(rq))
	if err != nil {
		t.Fatalf("decodeAssociateRQ failed: %v", err)
	}
	if got.CalledAE != "WORKLIST" || got.CallingAE != "CT01" {
		t.Errorf("unexpected AE titles %q / %q", got.CalledAE, got.CallingAE)
	}
	if got.MaxPDULength != 32768 {
		t.Errorf("expected max pdu 32768, got %d", got.MaxPDULength)
	}
	if len(got.Contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(got.Contexts))
	}
	if got.Contexts[1].AbstractSyntax != VerificationSOPClass || len(got.Contexts[1].TransferSyntaxes) != 2 {
		t.Errorf("unexpected second context %+v", got.Contexts[1])
	}
	if got.ImplementationClassUID != ImplementationClassUID {
		t.Errorf("expected implementation uid %q, got %q", ImplementationClassUID, got.ImplementationClassUID)
	}
}

func TestPData_Fragments(t *testing.T) {
	a := encodePDV(pdv{ContextID: 1, Command: true, Last: true, Data: []byte{1, 2, 3, 4}})
	b := encodePDV(pdv{ContextID: 1, Data: []byte{5, 6}})
	pdvs, err := decodePData(append(a, b...))
	if err != nil {
		t.Fatalf("decodePData failed: %v", err)
	}
	if len(pdvs) != 2 {
		t.Fatalf("expected 2 pdvs, got %d", len(pdvs))
	}
	if !pdvs[0].Command || !pdvs[0].Last || !bytes.Equal(pdvs[0].Data, []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected first pdv %+v", pdvs[0])
	}
	if pdvs[1].Command || pdvs[1].Last {
		t.Errorf("unexpected flags on second pdv %+v", pdvs[1])
	}
}

func TestReadPDU_TooLarge(t *testing.T) {
	hdr := []byte{pduPData, 0, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := readPDU(bytes.NewReader(hdr)); err != errPDUTooLarge {
		t.Errorf("expected errPDUTooLarge, got %v", err)
	}
}

func TestUIDFromUUID_Deterministic(t *testing.T) {
	if ImplementationClassUID[:5] != "2.25." {
		t.Errorf("expected 2.25 root, got %q", ImplementationClassUID)
	}
	if len(ImplementationClassUID) > 64 {
		t.Errorf("uid exceeds 64 characters: %d", len(ImplementationClassUID))
	}
	if NewUID() == NewUID() {
		t.Error("expected distinct random uids")
	}
}
