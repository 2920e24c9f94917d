package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum computes the CRC32-IEEE of a record's fields, excluding Checksum.
func Checksum(rec Record) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(rec.Seq, 10))
	for _, field := range []string{
		string(rec.Type),
		rec.JobID,
		string(rec.UnitID),
		rec.ItemID,
		rec.Outcome,
		strconv.Itoa(rec.Attempt),
		rec.Message,
		strconv.FormatInt(rec.Timestamp, 10),
	} {
		b.WriteByte(0)
		b.WriteString(field)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Verify returns a *ChecksumError when rec was altered after it was written.
func Verify(rec Record) error {
	if expected := Checksum(rec); expected != rec.Checksum {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
