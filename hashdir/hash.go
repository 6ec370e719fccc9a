package hashdir

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Int64Hasher hashes a signed 64-bit id, suitable for page.ID and other
// small integer identity types. Negative values (e.g. page.InvalidID) hash
// like any other bit pattern; callers are not expected to insert them.
func Int64Hasher(id int64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))

	return xxhash.Sum64(buf[:])
}
