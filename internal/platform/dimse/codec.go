package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/suyashkumar/dicom"
)

// Transfer syntaxes this package can encode and decode.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

const undefinedLength = 0xFFFFFFFF

// ErrMalformedDataset is returned when encoded bytes cannot be parsed.
var ErrMalformedDataset = errors.New("dimse: malformed dataset")

// Encode serializes ds using the little endian transfer syntax selected by
// explicit. DIMSE datasets carry no file meta group, so elements are written
// one by one rather than through dicom.Write.
func Encode(ds *Dataset, explicit bool) ([]byte, error) {
	var buf bytes.Buffer
	w := dicom.NewWriter(&buf, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification())
	w.SetTransferSyntax(binary.LittleEndian, !explicit)
	for _, e := range ds.Elements() {
		if err := w.WriteElement(e); err != nil {
			return nil, fmt.Errorf("dimse: encode %s: %w", e.Tag, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a little endian dataset without preamble or file meta
// group. Both defined and undefined length sequences are accepted.
func Decode(data []byte, explicit bool) (*Dataset, error) {
	p, err := dicom.NewParser(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipMetadataReadOnNewParserInit())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDataset, err)
	}
	p.SetTransferSyntax(binary.LittleEndian, !explicit)

	ds := NewDataset()
	for {
		e, err := p.Next()
		if errors.Is(err, dicom.ErrorEndOfDICOM) {
			return ds, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDataset, err)
		}
		ds.Put(e)
	}
}
