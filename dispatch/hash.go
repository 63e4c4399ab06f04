package dispatch

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var ErrEmptyBundle = errors.New("bundle has no transactions")

// TxHash is the keccak-256 of a signed raw transaction, the canonical
// transaction hash for both legacy and typed encodings.
func TxHash(tx hexutil.Bytes) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(tx)
	return common.BytesToHash(hasher.Sum(nil))
}

// BundleHash identifies a bundle by the combined keccak-256 of its
// transaction hashes. A single-tx bundle hashes to that transaction's hash.
func BundleHash(bundle *Bundle) (common.Hash, error) {
	if len(bundle.Txs) == 0 {
		return common.Hash{}, ErrEmptyBundle
	}
	hashes := make([]common.Hash, len(bundle.Txs))
	for i, tx := range bundle.Txs {
		hashes[i] = TxHash(tx)
	}
	return combineHashes(hashes), nil
}

// MevBundleHash identifies a mev-share bundle the same way, with hash body
// elements taken as-is and nested bundles hashed recursively.
func MevBundleHash(bundle *MevBundle) (common.Hash, error) {
	hashes := make([]common.Hash, 0, len(bundle.Body))
	for _, el := range bundle.Body {
		switch {
		case el.Hash != nil:
			hashes = append(hashes, *el.Hash)
		case el.Tx != nil:
			hashes = append(hashes, TxHash(*el.Tx))
		case el.Bundle != nil:
			inner, err := MevBundleHash(el.Bundle)
			if err != nil {
				return common.Hash{}, err
			}
			hashes = append(hashes, inner)
		}
	}
	if len(hashes) == 0 {
		return common.Hash{}, ErrEmptyBundle
	}
	return combineHashes(hashes), nil
}

func combineHashes(hashes []common.Hash) common.Hash {
	if len(hashes) == 1 {
		return hashes[0]
	}
	hasher := sha3.NewLegacyKeccak256()
	for _, h := range hashes {
		hasher.Write(h[:])
	}
	return common.BytesToHash(hasher.Sum(nil))
}
