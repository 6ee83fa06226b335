// Package wire implements the binary wire protocol of dComm.
//
// Every frame starts with a Header (32 to 60 bytes, big endian, 4-byte aligned)
// followed by the payload:
//
//	offset  field
//	0       version (high nibble) + header length in words (low nibble)
//	1       type of service
//	2       time to live
//	3       protocol id (TCM, HANDSHAKE, OOB, HEALTHCHECK, MESSAGE_GROUP)
//	4       magic number 0xAAAAAAAA
//	8       total frame length
//	12      Adler-32 checksum of the header bytes after this field
//	16      source address
//	20      destination address
//	24      source port
//	26      destination port
//	28      message count
//	30      reserved, followed by options
//
// A MESSAGE_GROUP frame carries MessageCount complete inner frames back to back,
// each with its own header and a message count of one.
//
// Decoding validates magic number, version, length, TTL, protocol id, checksum and
// ports; any violation is a *ProtocolFormatError.
package wire
