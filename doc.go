// Package updater holds the CAN primitives shared by both sides of the
// firmware transfer protocol : frames, the bus interface and the bus
// manager dispatching received frames to the SDO services.
//
// The protocol itself lives in pkg/ : the uploader (master) streams a
// binary image to the installer (slave) through four firmware download
// objects in the installer's object dictionary, validated with a
// streaming CRC-16 and committed to a dual bank flash layout.
package updater
