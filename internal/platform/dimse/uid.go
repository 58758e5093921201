package dimse

import (
	"math/big"

	"github.com/google/uuid"
)

// UIDFromUUID renders u as a DICOM UID under the 2.25 root (PS3.5 B.2).
func UIDFromUUID(u uuid.UUID) string {
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// NewUID returns a fresh random DICOM UID.
func NewUID() string {
	return UIDFromUUID(uuid.New())
}

// ImplementationClassUID identifies this implementation in association
// negotiation.
var ImplementationClassUID = UIDFromUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("github.com/ehr/worklist")))

// ImplementationVersion is announced alongside ImplementationClassUID.
const ImplementationVersion = "EHR_WORKLIST_1"
