// Package serialization holds the binary building blocks shared by the
// checkpoint, server bundle and mobile formats: the SafeTensors codec,
// SHA-256 checksums, tensor offset validation and atomic file writes.
//
// SafeTensors layout:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
package serialization
