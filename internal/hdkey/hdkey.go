package hdkey

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip32"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// BIP-39 standard parameters
	pbkdf2Iterations = 2048
	pbkdf2KeyLength  = 64

	hardenedOffset = uint32(0x80000000)
)

// SeedFromMnemonic converts a BIP-39 mnemonic and passphrase to a seed.
func SeedFromMnemonic(mnemonic string, passphrase string) []byte {
	return pbkdf2.Key(
		[]byte(mnemonic),
		[]byte("mnemonic"+passphrase),
		pbkdf2Iterations,
		pbkdf2KeyLength,
		sha512.New,
	)
}

// DerivePrivateKey derives a secp256k1 private key from seed and a BIP-44
// path like m/44'/60'/0'/0/0.
func DerivePrivateKey(seed []byte, path string) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create master key")
	}

	indices, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	key := masterKey
	for _, index := range indices {
		key, err = key.NewChildKey(index)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to derive child key at index %d", index)
		}
	}

	privateKey, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert derived key to ECDSA")
	}

	return privateKey, nil
}

// DeriveAddress derives the EVM address for the given seed and path.
func DeriveAddress(seed []byte, path string) (common.Address, error) {
	privateKey, err := DerivePrivateKey(seed, path)
	if err != nil {
		return common.Address{}, err
	}

	return crypto.PubkeyToAddress(privateKey.PublicKey), nil
}

// parsePath parses a BIP-44 path string into child key indices, applying
// the hardened offset for apostrophe-suffixed segments.
func parsePath(path string) ([]uint32, error) {
	if path == "" || path[0] != 'm' {
		return nil, errors.Errorf("invalid derivation path: %s", path)
	}

	segments := strings.Split(strings.TrimPrefix(path, "m"), "/")
	indices := make([]uint32, 0, len(segments))

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		hardened := strings.HasSuffix(segment, "'")
		segment = strings.TrimSuffix(segment, "'")

		index, err := strconv.ParseUint(segment, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid derivation path segment %q", segment)
		}

		value := uint32(index)
		if hardened {
			value += hardenedOffset
		}
		indices = append(indices, value)
	}

	if len(indices) == 0 {
		return nil, errors.Errorf("derivation path has no segments: %s", path)
	}

	return indices, nil
}
