package dimse

// SOP classes served by this package.
const (
	VerificationSOPClass                   = "1.2.840.10008.1.1"
	ModalityWorklistInformationModelFind   = "1.2.840.10008.5.1.4.31"
	ModalityPerformedProcedureStepSOPClass = "1.2.840.10008.3.1.2.3.3"
)

// ApplicationContextUID is the only DICOM application context name.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// DIMSE command field values.
const (
	CommandCFindRQ    uint16 = 0x0020
	CommandCFindRSP   uint16 = 0x8020
	CommandCEchoRQ    uint16 = 0x0030
	CommandCEchoRSP   uint16 = 0x8030
	CommandNSetRQ     uint16 = 0x0120
	CommandNSetRSP    uint16 = 0x8120
	CommandNCreateRQ  uint16 = 0x0140
	CommandNCreateRSP uint16 = 0x8140
	CommandCCancelRQ  uint16 = 0x0FFF
)

// noDataSet is the CommandDataSetType value meaning no dataset follows.
const noDataSet uint16 = 0x0101

// Status codes returned by the services.
const (
	StatusSuccess                uint16 = 0x0000
	StatusPending                uint16 = 0xFF00
	StatusCancel                 uint16 = 0xFE00
	StatusInvalidAttributeValue  uint16 = 0x0106
	StatusProcessingFailure      uint16 = 0x0110
	StatusDuplicateSOPInstance   uint16 = 0x0111
	StatusNoSuchObjectInstance   uint16 = 0x0112
	StatusMissingAttribute       uint16 = 0x0120
	StatusUnrecognizedOperation  uint16 = 0x0211
	StatusIdentifierDoesNotMatch uint16 = 0xA900
	StatusUnableToProcess        uint16 = 0xC001
	StatusStepNoLongerUpdatable  uint16 = 0xC310
)

var sopClassNames = map[string]string{
	VerificationSOPClass:                   "Verification",
	ModalityWorklistInformationModelFind:   "Modality Worklist - FIND",
	ModalityPerformedProcedureStepSOPClass: "Modality Performed Procedure Step",
}

// SOPClassName returns a human-readable name for uid.
func SOPClassName(uid string) string {
	if n, ok := sopClassNames[uid]; ok {
		return n
	}
	return "Unknown"
}
