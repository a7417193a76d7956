package blob

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ContentID returns the CIDv1 (raw codec, sha2-256) of data.
// Identical bytes always get the same id, which the SQLite backend uses to
// store each distinct payload once.
func ContentID(data []byte) (cid.Cid, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}
