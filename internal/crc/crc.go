package crc

import "io"

// CRC-16/CCITT-FALSE : polynomial 0x1021, initial value 0xFFFF,
// no reflection, no final xor. This is the only integrity check of the
// firmware transfer protocol, computed on both sides of the bus.

const (
	polynomial = 0x1021
	Seed       = CRC16(0xFFFF)
)

type CRC16 uint16

// Single runs one step of the CRC calculation for a data byte
func (crc *CRC16) Single(c byte) {
	*crc ^= CRC16(c) << 8
	for i := 0; i < 8; i++ {
		if *crc&0x8000 != 0 {
			*crc = (*crc << 1) ^ polynomial
		} else {
			*crc <<= 1
		}
	}
}

// Block folds a whole slice into the running CRC
func (crc *CRC16) Block(data []byte) {
	for _, c := range data {
		crc.Single(c)
	}
}

// Hash computes the CRC of data starting from the standard seed
func Hash(data []byte) CRC16 {
	crc := Seed
	crc.Block(data)
	return crc
}

// Stream computes the CRC of everything readable from r, going through the
// caller supplied scratch buffer so the input is never loaded whole.
// On success r is rewound to its start, so a second pass can stream the
// same bytes again.
func Stream(r io.ReadSeeker, scratch []byte) (CRC16, error) {
	crc := Seed
	for {
		n, err := r.Read(scratch)
		if n > 0 {
			crc.Block(scratch[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return crc, nil
}
