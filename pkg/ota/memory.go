package ota

import (
	"log/slog"
	"sync"
)

// MemoryManager is a dual bank flash layout kept in memory.
// One bank holds the running image, the other receives the update ; a
// successful commit flips the boot bank.
type MemoryManager struct {
	logger  *slog.Logger
	mu      sync.Mutex
	banks   []*MemoryPartition
	bootIdx int
	open    bool
}

type MemoryPartition struct {
	label string
	size  uint32
	data  []byte
}

func (p *MemoryPartition) Label() string { return p.label }
func (p *MemoryPartition) Size() uint32  { return p.size }

// Bytes returns the image currently stored in the partition
func (p *MemoryPartition) Bytes() []byte {
	return p.data
}

func NewMemoryManager(logger *slog.Logger, bankSize uint32) *MemoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryManager{
		logger: logger.With("service", "[OTA]"),
		banks: []*MemoryPartition{
			{label: "ota_0", size: bankSize},
			{label: "ota_1", size: bankSize},
		},
	}
}

func (m *MemoryManager) NextUpdatePartition() (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banks[(m.bootIdx+1)%len(m.banks)], nil
}

func (m *MemoryManager) Begin(p Partition, imageSize uint32) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	part, ok := p.(*MemoryPartition)
	if !ok || part == nil {
		return nil, ErrNoPartition
	}
	if imageSize > part.size {
		return nil, ErrImageTooLarge
	}
	if m.open {
		return nil, ErrSessionAlready
	}
	m.open = true
	part.data = make([]byte, 0, imageSize)
	m.logger.Info("prepared partition for new image", "label", part.label, "size", imageSize)
	return &memorySession{manager: m, partition: part}, nil
}

func (m *MemoryManager) SetBootPartition(p Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, bank := range m.banks {
		if bank == p {
			m.bootIdx = i
			m.logger.Info("boot partition updated", "label", bank.label)
			return nil
		}
	}
	return ErrNoPartition
}

// BootPartition returns the bank the device would boot from
func (m *MemoryManager) BootPartition() *MemoryPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banks[m.bootIdx]
}

type memorySession struct {
	manager   *MemoryManager
	partition *MemoryPartition
	closed    bool
}

func (s *memorySession) Write(data []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	if uint32(len(s.partition.data)+len(data)) > s.partition.size {
		return ErrImageTooLarge
	}
	s.partition.data = append(s.partition.data, data...)
	return nil
}

func (s *memorySession) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	s.manager.mu.Lock()
	s.manager.open = false
	s.manager.mu.Unlock()
	return nil
}

func (s *memorySession) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.partition.data = nil
	s.manager.mu.Lock()
	s.manager.open = false
	s.manager.mu.Unlock()
	return nil
}
