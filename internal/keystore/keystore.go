package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

const (
	keystoreVersion = 3
	saltLength      = 32
	ivLength        = 16 // AES-128-CTR
	fileMode        = 0o600
)

// Exists reports whether a keystore file is present at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "failed to stat keystore file")
}

// Create encrypts the mnemonic under password and writes the keystore file.
func Create(path string, mnemonic string, password string) error {
	doc, err := encryptMnemonic(mnemonic, password)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode keystore")
	}

	if err := os.WriteFile(path, raw, fileMode); err != nil {
		return errors.Wrap(err, "failed to write keystore file")
	}

	return nil
}

// Unlock reads the keystore file and decrypts the mnemonic with password.
func Unlock(path string, password string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to read keystore file")
	}

	var doc KeystoreJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", errors.Wrap(err, "failed to decode keystore file")
	}

	return decryptMnemonic(&doc, password)
}

// encryptMnemonic encrypts a mnemonic with scrypt + AES-128-CTR.
func encryptMnemonic(mnemonic string, password string) (*KeystoreJSON, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "failed to generate IV")
	}

	params := DefaultScryptParams()
	params.Salt = salt

	derivedKey, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, params.DKLen)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}

	ciphertext, err := runAES128CTR(derivedKey[:16], iv, []byte(mnemonic))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt mnemonic")
	}

	mac := calculateMAC(derivedKey[16:32], ciphertext)

	doc := &KeystoreJSON{
		Version: keystoreVersion,
		ID:      uuid.New().String(),
	}
	doc.Crypto.Cipher = "aes-128-ctr"
	doc.Crypto.Ciphertext = hex.EncodeToString(ciphertext)
	doc.Crypto.CipherParams.IV = hex.EncodeToString(iv)
	doc.Crypto.KDF = "scrypt"
	doc.Crypto.KDFParams.DKLen = params.DKLen
	doc.Crypto.KDFParams.Salt = hex.EncodeToString(salt)
	doc.Crypto.KDFParams.N = params.N
	doc.Crypto.KDFParams.R = params.R
	doc.Crypto.KDFParams.P = params.P
	doc.Crypto.MAC = hex.EncodeToString(mac)

	return doc, nil
}

// decryptMnemonic verifies the MAC and decrypts the mnemonic.
func decryptMnemonic(doc *KeystoreJSON, password string) (string, error) {
	salt, err := hex.DecodeString(doc.Crypto.KDFParams.Salt)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode salt")
	}

	iv, err := hex.DecodeString(doc.Crypto.CipherParams.IV)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode IV")
	}

	ciphertext, err := hex.DecodeString(doc.Crypto.Ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode ciphertext")
	}

	expectedMAC, err := hex.DecodeString(doc.Crypto.MAC)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode MAC")
	}

	derivedKey, err := scrypt.Key(
		[]byte(password),
		salt,
		doc.Crypto.KDFParams.N,
		doc.Crypto.KDFParams.R,
		doc.Crypto.KDFParams.P,
		doc.Crypto.KDFParams.DKLen,
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to derive key")
	}

	mac := calculateMAC(derivedKey[16:32], ciphertext)
	if !constantTimeCompare(mac, expectedMAC) {
		return "", errors.New("invalid password: MAC mismatch")
	}

	plaintext, err := runAES128CTR(derivedKey[:16], iv, ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt mnemonic")
	}

	return string(plaintext), nil
}

// runAES128CTR applies the CTR keystream (encrypt and decrypt are symmetric).
func runAES128CTR(key []byte, iv []byte, input []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}

	output := make([]byte, len(input))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(output, input)

	return output, nil
}

// calculateMAC computes SHA-256(derivedKey[16:32] || ciphertext).
func calculateMAC(key []byte, ciphertext []byte) []byte {
	hasher := sha256.New()
	hasher.Write(key)
	hasher.Write(ciphertext)
	return hasher.Sum(nil)
}

func constantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	result := 0
	for i := 0; i < len(a); i++ {
		result |= int(a[i] ^ b[i])
	}

	return result == 0
}
