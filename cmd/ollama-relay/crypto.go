// ABOUTME: End-to-end encryption for the relay's Matrix account.
// ABOUTME: Wraps the mautrix crypto helper with a per-user SQLite store and optional recovery key.

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// Crypto owns the crypto helper attached to the Matrix client.
type Crypto struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto enables E2EE on client. The client must already be logged in
// so its device ID is known. A stored device ID that differs from the
// current one resets the crypto database.
func SetupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*Crypto, error) {
	logger = logger.With("component", "crypto")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := cryptoDBPath(dataDir, userID)
	logger.Info("setting up encryption", "db", dbPath)

	stale, err := storedDeviceMismatch(dbPath, client.DeviceID.String())
	if err != nil {
		logger.Debug("could not check stored device ID", "error", err)
	} else if stale {
		logger.Warn("device ID changed, resetting crypto database")
		if err := removeDatabase(dbPath); err != nil {
			return nil, err
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, pickleKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	c := &Crypto{helper: helper, logger: logger}

	if recoveryKey == "" {
		logger.Info("encryption enabled without cross-signing")
		return c, nil
	}
	if err := helper.Machine().VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		// Encryption still works unverified.
		logger.Warn("recovery key verification failed", "error", err)
	} else {
		logger.Info("device verified with recovery key")
	}
	return c, nil
}

// Close releases the crypto store.
func (c *Crypto) Close() error {
	if c.helper == nil {
		return nil
	}
	return c.helper.Close()
}

func cryptoDBPath(dataDir, userID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(userID)))
}

// slugify turns a Matrix user ID into a file name fragment.
// Example: @llama:example.org -> llama_example.org
func slugify(userID string) string {
	out := make([]byte, 0, len(userID))
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		switch {
		case i == 0 && c == '@':
		case c == ':':
			out = append(out, '_')
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			out = append(out, c)
		}
	}
	return string(out)
}

// pickleKey derives the crypto store key from the user ID.
func pickleKey(userID string) []byte {
	h := sha256.Sum256([]byte("ollama-relay-crypto:" + userID))
	return h[:]
}

// storedDeviceMismatch reports whether an existing crypto database belongs
// to a different device.
func storedDeviceMismatch(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer func() { _ = db.Close() }()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

func removeDatabase(dbPath string) error {
	if err := os.Remove(dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing crypto database: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}
