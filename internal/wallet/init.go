package wallet

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/vibefi/dapphost/internal/config"
	"github.com/vibefi/dapphost/internal/hdkey"
	"github.com/vibefi/dapphost/internal/keystore"
)

const minPasswordLength = 8

// InitializeKeystore unlocks (or creates) the Local backend's keystore at
// startup and returns the derived seed. On first run the mnemonic is read
// interactively; afterwards only the password is needed. A non-interactive
// password can be supplied via DAPPHOST_KEYSTORE_PASSWORD.
func InitializeKeystore(cfg config.Keystore) ([]byte, error) {
	logger := log.With().Str("component", "wallet_init").Logger()

	exists, err := keystore.Exists(cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check keystore existence")
	}

	if !exists {
		logger.Info().Str("path", cfg.Path).Msg("Keystore not found, creating one")

		mnemonic, err := promptLine("Enter BIP-39 mnemonic: ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to read mnemonic")
		}
		if mnemonic == "" {
			return nil, errors.New("mnemonic must not be empty")
		}

		password, err := resolvePassword("Enter password for new keystore (min 8 characters): ")
		if err != nil {
			return nil, err
		}
		if len(password) < minPasswordLength {
			return nil, errors.New("password must be at least 8 characters")
		}

		confirm, err := resolvePassword("Confirm password: ")
		if err != nil {
			return nil, err
		}
		if password != confirm {
			return nil, errors.New("passwords do not match")
		}

		if err := keystore.Create(cfg.Path, mnemonic, password); err != nil {
			return nil, errors.Wrap(err, "failed to create keystore")
		}

		logger.Info().Msg("Keystore created")

		return hdkey.SeedFromMnemonic(mnemonic, ""), nil
	}

	logger.Info().Str("path", cfg.Path).Msg("Keystore found, unlocking")

	password, err := resolvePassword("Enter keystore password: ")
	if err != nil {
		return nil, err
	}

	mnemonic, err := keystore.Unlock(cfg.Path, password)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unlock keystore (invalid password?)")
	}

	logger.Info().Msg("Keystore unlocked")

	return hdkey.SeedFromMnemonic(mnemonic, ""), nil
}

// resolvePassword prefers the env override so the host can start headless.
func resolvePassword(prompt string) (string, error) {
	if password := os.Getenv("DAPPHOST_KEYSTORE_PASSWORD"); password != "" {
		return password, nil
	}

	return promptPassword(prompt)
}

//nolint:forbidigo // password input requires direct terminal I/O
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	if err != nil {
		return "", errors.Wrap(err, "failed to read password from terminal")
	}

	fmt.Println()

	return string(passwordBytes), nil
}

//nolint:forbidigo // mnemonic input requires direct terminal I/O
func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "failed to read from terminal")
	}

	return strings.TrimSpace(line), nil
}
