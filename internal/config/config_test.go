package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("LEASEBOX_PAY_TO", "0x1111111111111111111111111111111111111111")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, ":3000", cfg.ListenAddr)
	require.Equal(t, 10*24*time.Hour, cfg.LeaseDuration)
	require.Equal(t, cfg.LeaseDuration, cfg.RenewalDuration, "renewal defaults to lease duration")
	require.Equal(t, int64(10000), cfg.Payment.UploadPrice)
	require.Equal(t, "0x1111111111111111111111111111111111111111", cfg.Payment.PayTo)
}

func TestLoad_FileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leasebox.yaml")
	data := `
listen_addr: ":9999"
lease_duration: 48h
renewal_duration: 24h
payment:
  pay_to: "0x2222222222222222222222222222222222222222"
  upload_price: 500
  price_per_mib: 7
ledger:
  driver: sqlite
  path: /tmp/l.db
rate_limit:
  behind_proxy: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, 48*time.Hour, cfg.LeaseDuration)
	require.Equal(t, 24*time.Hour, cfg.RenewalDuration)
	require.Equal(t, int64(500), cfg.Payment.UploadPrice)
	require.Equal(t, int64(7), cfg.Payment.PricePerMiB)
	require.Equal(t, int64(10000), cfg.Payment.RenewPrice, "unset values fall back to defaults")
	require.Equal(t, "sqlite", cfg.Ledger.Driver)
	require.True(t, cfg.RateLimit.BehindProxy)
	require.Equal(t, 20, cfg.RateLimit.BurstSize)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing pay_to", "listen_addr: \":1\"\n"},
		{"unknown driver", "ledger:\n  driver: bolt\npayment:\n  pay_to: \"0x1\"\n"},
		{"postgres without dsn", "ledger:\n  driver: postgres\npayment:\n  pay_to: \"0x1\"\n"},
		{"s3 without bucket", "storage:\n  backend: s3\npayment:\n  pay_to: \"0x1\"\n"},
		{"remote facilitator without url", "payment:\n  pay_to: \"0x1\"\n  facilitator: remote\n  facilitator_url: \"\"\n"},
		{"malformed yaml", "listen_addr: [\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("LEASEBOX_PAY_TO", "")
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0644))

			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Payment.PayTo = "0x3333333333333333333333333333333333333333"
	cfg.SweepInterval = 5 * time.Minute

	path := filepath.Join(t.TempDir(), "nested", "c.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Payment.PayTo, loaded.Payment.PayTo)
	require.Equal(t, 5*time.Minute, loaded.SweepInterval)
}
