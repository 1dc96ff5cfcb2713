package backend

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// HashTypedData computes the EIP-712 signing hash of raw typed-data JSON as
// submitted via eth_signTypedData_v4.
func HashTypedData(typedJSON json.RawMessage) (common.Hash, error) {
	var typedData apitypes.TypedData
	if err := json.Unmarshal(typedJSON, &typedData); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to decode typed data")
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to hash typed data")
	}

	return common.BytesToHash(hash), nil
}
