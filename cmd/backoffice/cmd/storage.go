package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/backoffice/gateway/local"
	"github.com/jmcleod/backoffice/internal/util"
	"github.com/jmcleod/backoffice/storage"
	bboltstorage "github.com/jmcleod/backoffice/storage/bbolt"
	"github.com/jmcleod/backoffice/storage/memory"
	"github.com/jmcleod/backoffice/storage/postgres"
)

var (
	storageBackend  string
	dataDir         string
	postgresDSN     string
	wrappingKeyFile string
)

func addStorageFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&storageBackend, "storage", "bolt", "Storage backend (memory, bolt, postgres)")
	flags.StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	flags.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string for --storage=postgres")
	flags.StringVar(&wrappingKeyFile, "wrapping-key-file", "",
		"Hex-encoded 32-byte key sealing local sessions (default <data-dir>/wrapping.key, created if missing)")
}

// openRepository opens the configured backend. The returned close func
// is never nil.
func openRepository(ctx context.Context) (storage.Repository, func(), error) {
	switch storageBackend {
	case "memory":
		return memory.NewRepository(), func() {}, nil
	case "bolt":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, "backoffice.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case "postgres":
		if postgresDSN == "" {
			return nil, nil, errors.New("--postgres-dsn is required for --storage=postgres")
		}
		repo, err := postgres.NewRepositoryFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q (want memory, bolt or postgres)", storageBackend)
	}
}

// openPersistentRepository is openRepository for offline commands, which
// are pointless against the in-memory backend.
func openPersistentRepository(ctx context.Context) (storage.Repository, func(), error) {
	if storageBackend == "memory" {
		return nil, nil, errors.New("this command needs --storage=bolt or --storage=postgres")
	}
	return openRepository(ctx)
}

// loadWrappingKey reads the hex-encoded wrapping key, creating a random
// one when the file does not exist yet.
func loadWrappingKey(path string) ([]byte, error) {
	if path == "" {
		path = filepath.Join(dataDir, "wrapping.key")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		key, err := util.NewSealKey()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("writing wrapping key: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading wrapping key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("wrapping key %s is not hex: %w", path, err)
	}
	if len(key) != util.SealKeySize {
		return nil, fmt.Errorf("wrapping key %s must be %d bytes, got %d", path, util.SealKeySize, len(key))
	}
	return key, nil
}

func openLocalGateway(ctx context.Context, repo storage.Repository, logger *slog.Logger, opts ...local.Option) (*local.Gateway, error) {
	key, err := loadWrappingKey(wrappingKeyFile)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	opts = append([]local.Option{local.WithLogger(logger)}, opts...)
	return local.New(ctx, repo, key, opts...)
}
