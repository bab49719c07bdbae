package row

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// The business checksum is a plain CRC32 over the reversed 0xEDB88320
// polynomial, initial value 0 and no final XOR, so values written by older
// clients keep verifying. hash/crc32's IEEE helpers pre/post-invert, hence
// the manual update loop over the shared table.
var crcTable = crc32.MakeTable(crc32.IEEE)

// unit separator between field values, so ("ab","c") != ("a","bc").
const fieldSeparator = 0x1F

// Columns excluded from the checksum projection: key and bookkeeping
// columns whose churn must not defeat the no-op short circuit.
var crcExcluded = []string{
	ColCRC, ColLastModified, ColIsDeleted, ColDeleteDate,
	ColCreationDate, ColModifiedBy, ColVersion,
}

// ProjectColumns returns the business-column projection for a table:
// all columns minus the primary key and metadata columns, in caseless
// collation order. The ordering is part of the checksum contract.
func ProjectColumns(columns []string, pk string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if strings.EqualFold(c, pk) || isExcluded(c) {
			continue
		}
		out = append(out, c)
	}
	collate.New(language.Und, collate.IgnoreCase).SortStrings(out)
	return out
}

func isExcluded(col string) bool {
	for _, x := range crcExcluded {
		if strings.EqualFold(col, x) {
			return true
		}
	}
	return false
}

// Checksum computes the business CRC of an entity over the given projection
// (as returned by ProjectColumns). Missing columns contribute the empty
// string, identical to an explicit null.
func Checksum(e *Entity, projection []string) uint32 {
	var crc uint32
	for i, col := range projection {
		if i > 0 {
			crc = crcUpdate(crc, []byte{fieldSeparator})
		}
		v, _ := e.Get(col)
		crc = crcUpdate(crc, []byte(NormalizeForChecksum(v)))
	}
	return crc
}

func crcUpdate(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crcTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

// NormalizeForChecksum renders a field value into its canonical textual
// form:
//
//	nil        -> ""
//	string     -> trimmed
//	timestamp  -> round-trip UTC
//	bool       -> "0" / "1"
//	float64    -> invariant text, 17 significant digits
//	float32    -> invariant text, 9 significant digits
//	integers   -> decimal
func NormalizeForChecksum(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(val, 'G', 17, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'G', 9, 32)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
