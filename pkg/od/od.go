package od

import (
	"log/slog"
)

// ObjectDictionary stores the entries of a CANopen node according to
// CiA 301. Entries are created programmatically, this dictionary has no
// EDS representation.
type ObjectDictionary struct {
	logger              *slog.Logger
	entriesByIndexValue map[uint16]*Entry
	entriesByIndexName  map[string]*Entry
}

func NewObjectDictionary(logger *slog.Logger) *ObjectDictionary {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectDictionary{
		logger:              logger.With("service", "[OD]"),
		entriesByIndexValue: make(map[uint16]*Entry),
		entriesByIndexName:  make(map[string]*Entry),
	}
}

// Add an entry to OD, any existing entry will be replaced
func (od *ObjectDictionary) addEntry(entry *Entry) {
	_, entryIndexValueExists := od.entriesByIndexValue[entry.Index]
	if entryIndexValueExists {
		entry.logger.Warn("overwritting entry")
	}
	od.entriesByIndexValue[entry.Index] = entry
	od.entriesByIndexName[entry.Name] = entry
	entry.logger.Debug("adding entry")
}

// AddVariableType adds an entry of type VAR to OD with a zeroed value of
// the given size. If the variable already exists, it will be overwritten
func (od *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	datatype uint8,
	attribute uint8,
	size uint32,
) *Entry {
	variable := NewVariable(0, name, datatype, attribute, size)
	entry := NewEntry(od.logger, index, name, variable, ObjectTypeVAR)
	od.addEntry(entry)
	return entry
}

// AddVariableList adds an entry of type ARRAY or RECORD depending on [VariableList]
func (od *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := NewEntry(od.logger, index, name, varList, varList.objectType)
	od.addEntry(entry)
	return entry
}

// Index returns an OD entry at the specified index.
// index can either be a string or an integer value.
// This method does not return an error but instead returns
// nil if no corresponding [Entry] is found.
func (od *ObjectDictionary) Index(index any) *Entry {
	switch ind := index.(type) {
	case string:
		return od.entriesByIndexName[ind]
	case int:
		return od.entriesByIndexValue[uint16(ind)]
	case uint:
		return od.entriesByIndexValue[uint16(ind)]
	case uint16:
		return od.entriesByIndexValue[ind]
	default:
		return nil
	}
}

// Streamer creates a streamer for the given index / subindex
func (od *ObjectDictionary) Streamer(index uint16, subindex uint8, origin bool) (*Streamer, error) {
	entry := od.Index(index)
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	return NewStreamer(entry, subindex, origin)
}

// Entries returns map of indexes and entries
func (od *ObjectDictionary) Entries() map[uint16]*Entry {
	return od.entriesByIndexValue
}
