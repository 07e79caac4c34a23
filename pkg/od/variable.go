package od

import "sync"

// Variable is the main data representation for a value stored inside of OD.
// It is used to store a "VAR" or "DOMAIN" object type as well as
// any sub entry of a "RECORD" or "ARRAY" object type
type Variable struct {
	mu    sync.RWMutex
	value []byte
	// Name of this variable
	Name string
	// The CiA 301 data type of this variable
	DataType byte
	// Attribute contains the access type e.g. AttributeSdoRw
	Attribute uint8
	// The subindex for this variable if part of an ARRAY or RECORD
	SubIndex uint8
}

// NewVariable creates a variable with a zeroed backing buffer of the
// given size. DOMAIN variables have no backing buffer : their data is
// streamed through an extension.
func NewVariable(subindex uint8, name string, datatype uint8, attribute uint8, size uint32) *Variable {
	return &Variable{
		value:     make([]byte, size),
		Name:      name,
		DataType:  datatype,
		Attribute: attribute,
		SubIndex:  subindex,
	}
}

// DataLength returns the length of the backing value
func (v *Variable) DataLength() uint32 {
	return uint32(len(v.value))
}

// Bytes returns a copy of the current backing value
func (v *Variable) Bytes() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cpy := make([]byte, len(v.value))
	copy(cpy, v.value)
	return cpy
}

// VariableList is the data representation for
// storing a "RECORD" or "ARRAY" object type
type VariableList struct {
	objectType uint8 // either "RECORD" or "ARRAY"
	Variables  []*Variable
}

// GetSubObject returns the [Variable] corresponding to
// a given subindex, if not found it errors with ErrSubNotExist
func (rec *VariableList) GetSubObject(subindex uint8) (*Variable, error) {
	if rec.objectType == ObjectTypeARRAY {
		subEntriesCount := len(rec.Variables)
		if subindex >= uint8(subEntriesCount) {
			return nil, ErrSubNotExist
		}
		return rec.Variables[subindex], nil
	}
	for i, variable := range rec.Variables {
		if variable.SubIndex == subindex {
			return rec.Variables[i], nil
		}
	}
	return nil, ErrSubNotExist
}

// AddSubObject adds a [Variable] to the VariableList
func (rec *VariableList) AddSubObject(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	size uint32,
) *Variable {
	variable := NewVariable(subindex, name, datatype, attribute, size)
	rec.Variables = append(rec.Variables, variable)
	return variable
}

func NewRecord() *VariableList {
	return &VariableList{objectType: ObjectTypeRECORD, Variables: make([]*Variable, 0)}
}
