package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promptline/internal/config"
	"promptline/internal/engine/auth"
)

func TestLoadConfigDefaultsAndResolve(t *testing.T) {
	ws := t.TempDir()
	cfg, err := LoadConfig(ws, "")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Models, cfg.Models)
	assert.Equal(t, filepath.Join(ws, "inputs", "input.jsonl"), cfg.Pool.Path)
	assert.Equal(t, filepath.Join(ws, "data", "ledger"), cfg.LedgerDir())
}

func TestLoadConfigExplicitPath(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("models: [a, b]\n"), 0o644))
	cfg, err := LoadConfig(ws, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cfg.Models)

	_, err = LoadConfig(ws, filepath.Join(ws, "missing.yml"))
	assert.Error(t, err)
}

func TestOpenWiresEngine(t *testing.T) {
	ws := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: ws, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.DB)
	assert.Equal(t, a.Config.Models, a.Reports.Models)
	assert.True(t, a.Auth.IsAdmin(auth.Principal{UserID: "admin"}))
	assert.Equal(t, a.Config.Receipt.Currency, a.ReceiptOptions().Currency)

	// audit table exists after migration
	_, err = a.Repo.LatestEventID(context.Background())
	require.NoError(t, err)
}
