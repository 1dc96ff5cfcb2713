package keystore

// KeystoreJSON is the on-disk keystore-v3 style document holding the Local
// backend's encrypted mnemonic.
type KeystoreJSON struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	Crypto  struct {
		Cipher       string `json:"cipher"`
		Ciphertext   string `json:"ciphertext"`
		CipherParams struct {
			IV string `json:"iv"`
		} `json:"cipherparams"`
		KDF       string `json:"kdf"`
		KDFParams struct {
			DKLen int    `json:"dklen"`
			Salt  string `json:"salt"`
			N     int    `json:"n"`
			R     int    `json:"r"`
			P     int    `json:"p"`
		} `json:"kdfparams"`
		MAC string `json:"mac"`
	} `json:"crypto"`
}

// ScryptParams are the key derivation parameters used when creating a keystore.
type ScryptParams struct {
	N     int
	R     int
	P     int
	DKLen int
	Salt  []byte
}

// DefaultScryptParams returns the standard scrypt parameters (N=2^18).
func DefaultScryptParams() ScryptParams {
	return ScryptParams{
		N:     262144,
		R:     8,
		P:     1,
		DKLen: 32,
	}
}
