package od

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// An Entry object is the main building block of an [ObjectDictionary].
// It holds an OD object at a specific index.
// An entry can be one of the following object types, defined by CiA 301
//   - VAR / DOMAIN [Variable]
//   - ARRAY / RECORD [VariableList]
type Entry struct {
	logger *slog.Logger
	// The OD index e.g. x1F50
	Index uint16
	// The OD entry name
	Name string
	// The OD object type, as cited above.
	ObjectType uint8
	// Either a [Variable] or a [VariableList] object
	object    any
	extension *extension
}

// Create a new [Entry]
func NewEntry(logger *slog.Logger, index uint16, name string, object any, objectType uint8) *Entry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Entry{
		logger:     logger.With("index", fmt.Sprintf("x%x", index), "name", name),
		Index:      index,
		Name:       name,
		object:     object,
		ObjectType: objectType,
	}
}

// SubIndex returns the [Variable] at a given subindex.
func (entry *Entry) SubIndex(subIndex uint8) (v *Variable, e error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex != 0 {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		return object.GetSubObject(subIndex)
	default:
		// This is not normal
		return nil, ErrDevIncompat
	}
}

// AddExtension adds an extension to an OD entry.
// This allows an OD entry to perform custom behaviour on read or on write,
// with object available in the handlers via [Stream.Object].
// Implementation of the default StreamReader & StreamWriter for a regular
// OD entry can be found here [ReadEntryDefault] & [WriteEntryDefault].
func (entry *Entry) AddExtension(object any, read StreamReader, write StreamWriter) {
	entry.logger.Debug("added extension")
	entry.extension = &extension{object: object, read: read, write: write}
}

// SubCount returns the number of sub entries inside entry.
// If entry is of VAR type it will return 1
func (entry *Entry) SubCount() int {
	switch object := entry.object.(type) {
	case *Variable:
		return 1
	case *VariableList:
		return len(object.Variables)
	default:
		// This is not normal
		entry.logger.Error("invalid entry", "type", fmt.Sprintf("%T", entry))
		return 1
	}
}

// Uint8 reads data inside of OD as if it were an UNSIGNED8.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	b := make([]byte, 1)
	if err := entry.ReadExactly(subIndex, b, true); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads data inside of OD as if it were an UNSIGNED16.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	b := make([]byte, 2)
	if err := entry.ReadExactly(subIndex, b, true); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads data inside of OD as if it were an UNSIGNED32.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	b := make([]byte, 4)
	if err := entry.ReadExactly(subIndex, b, true); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Read exactly len(b) bytes from OD at (index,subIndex)
// origin parameter controls extension usage if any
func (entry *Entry) ReadExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Read(b)
	return err
}

// Write exactly len(b) bytes to OD at (index,subIndex)
// origin parameter controls extension usage if exists
func (entry *Entry) WriteExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Write(b)
	return err
}
