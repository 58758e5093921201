package dimse

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Element is a single attribute of a Dataset.
type Element = dicom.Element

// Dataset is an ordered collection of elements keyed by tag.
type Dataset struct {
	elems []*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{}
}

func datasetOf(elems []*Element) *Dataset {
	d := &Dataset{elems: make([]*Element, 0, len(elems))}
	for _, e := range elems {
		d.Put(e)
	}
	return d
}

// Len returns the number of top-level elements.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elems)
}

// Elements returns the elements in ascending tag order.
func (d *Dataset) Elements() []*Element {
	if d == nil {
		return nil
	}
	return d.elems
}

// Get returns the element for t.
func (d *Dataset) Get(t Tag) (*Element, bool) {
	if d == nil {
		return nil, false
	}
	i := d.index(t)
	if i < len(d.elems) && d.elems[i].Tag == t {
		return d.elems[i], true
	}
	return nil, false
}

// Has reports whether t is present, even with an empty value.
func (d *Dataset) Has(t Tag) bool {
	_, ok := d.Get(t)
	return ok
}

// Put inserts or replaces an element.
func (d *Dataset) Put(e *Element) {
	i := d.index(e.Tag)
	if i < len(d.elems) && d.elems[i].Tag == e.Tag {
		d.elems[i] = e
		return
	}
	d.elems = append(d.elems, nil)
	copy(d.elems[i+1:], d.elems[i:])
	d.elems[i] = e
}

// Remove deletes t if present.
func (d *Dataset) Remove(t Tag) {
	i := d.index(t)
	if i < len(d.elems) && d.elems[i].Tag == t {
		d.elems = append(d.elems[:i], d.elems[i+1:]...)
	}
}

func (d *Dataset) index(t Tag) int {
	return sort.Search(len(d.elems), func(i int) bool {
		return !tagLess(d.elems[i].Tag, t)
	})
}

// String returns the textual value of t with DICOM padding removed. Absent
// and non-text elements yield "".
func (d *Dataset) String(t Tag) string {
	e, ok := d.Get(t)
	if !ok || e.Value == nil {
		return ""
	}
	var s string
	switch e.Value.ValueType() {
	case dicom.Strings:
		s = strings.Join(e.Value.GetValue().([]string), `\`)
	case dicom.Bytes:
		s = string(e.Value.GetValue().([]byte))
	default:
		return ""
	}
	return strings.TrimRight(s, " \x00")
}

// Uint16 returns the value of a US element.
func (d *Dataset) Uint16(t Tag) (uint16, bool) {
	v, ok := d.integer(t, 2)
	return uint16(v), ok
}

// Uint32 returns the value of a UL element.
func (d *Dataset) Uint32(t Tag) (uint32, bool) {
	v, ok := d.integer(t, 4)
	return uint32(v), ok
}

// integer reads a binary value. Command elements outside the data dictionary
// decode from implicit VR as raw bytes of the given width.
func (d *Dataset) integer(t Tag, width int) (uint64, bool) {
	e, ok := d.Get(t)
	if !ok || e.Value == nil {
		return 0, false
	}
	switch e.Value.ValueType() {
	case dicom.Ints:
		ints := e.Value.GetValue().([]int)
		if len(ints) == 0 {
			return 0, false
		}
		return uint64(ints[0]), true
	case dicom.Bytes:
		b := e.Value.GetValue().([]byte)
		if len(b) < width {
			return 0, false
		}
		if width == 2 {
			return uint64(binary.LittleEndian.Uint16(b)), true
		}
		return uint64(binary.LittleEndian.Uint32(b)), true
	}
	return 0, false
}

// Sequence returns the items of a sequence element. The boolean is false when
// the tag is absent or is not a sequence. Items are read views; replace them
// with SetSequence.
func (d *Dataset) Sequence(t Tag) ([]*Dataset, bool) {
	e, ok := d.Get(t)
	if !ok || e.Value == nil || e.Value.ValueType() != dicom.Sequences {
		return nil, false
	}
	seq := e.Value.GetValue().([]*dicom.SequenceItemValue)
	items := make([]*Dataset, 0, len(seq))
	for _, item := range seq {
		elems, _ := item.GetValue().([]*Element)
		items = append(items, datasetOf(elems))
	}
	return items, true
}

// SetString stores a text value, padding it to even length as the VR requires.
func (d *Dataset) SetString(t Tag, value string) {
	vr := LookupVR(t)
	if len(value)%2 == 1 {
		if vr == "UI" {
			value += "\x00"
		} else {
			value += " "
		}
	}
	d.Put(newElement(t, vr, []string{value}, uint32(len(value))))
}

// SetEmpty stores a zero-length element of the given VR. Empty sequences get
// no items.
func (d *Dataset) SetEmpty(t Tag, vr string) {
	if vr == "SQ" {
		d.SetSequence(t)
		return
	}
	if vr == "" {
		vr = LookupVR(t)
	}
	switch vr {
	case "OB", "OW", "UN":
		d.Put(newElement(t, vr, []byte{}, 0))
	default:
		d.Put(newElement(t, vr, []string{""}, 0))
	}
}

// SetUint16 stores a US value.
func (d *Dataset) SetUint16(t Tag, v uint16) {
	d.Put(newElement(t, "US", []int{int(v)}, 2))
}

// SetUint32 stores a UL value.
func (d *Dataset) SetUint32(t Tag, v uint32) {
	d.Put(newElement(t, "UL", []int{int(v)}, 4))
}

// SetSequence stores a sequence with the given items.
func (d *Dataset) SetSequence(t Tag, items ...*Dataset) {
	seq := make([][]*Element, 0, len(items))
	for _, item := range items {
		seq = append(seq, item.Elements())
	}
	d.Put(newElement(t, "SQ", seq, undefinedLength))
}

// newElement builds an element with an explicit VR so that tags missing from
// the data dictionary still encode. data must be a type dicom.NewValue
// accepts.
func newElement(t Tag, vr string, data any, length uint32) *Element {
	v, err := dicom.NewValue(data)
	if err != nil {
		panic("dimse: unsupported element value: " + err.Error())
	}
	return &Element{
		Tag:                    t,
		ValueRepresentation:    tag.GetVRKind(t, vr),
		RawValueRepresentation: vr,
		ValueLength:            length,
		Value:                  v,
	}
}
