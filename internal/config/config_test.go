package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * *", cfg.RefreshCron)
	assert.Equal(t, 0.7, cfg.Dedup.FuzzyThreshold)
	assert.Equal(t, HorizonCounts{Today: 2, Week: 3, Month: 3}, cfg.Stabilizer.Min)
	assert.Equal(t, HorizonCounts{Today: 5, Week: 7, Month: 7}, cfg.Stabilizer.Max)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadPartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
timezone: Europe/Berlin
users:
  - id: alice
    ics:
      - id: work
        url: https://example.com/work.ics
    deny_titles: ["Newsletter"]
deletion:
  lookback_days: 14
stabilizer:
  max:
    today: 1
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, []string{"Newsletter"}, cfg.Users[0].DenyTitles)
	assert.Equal(t, 14, cfg.Deletion.LookbackDays)
	assert.Equal(t, 3, cfg.Deletion.MinRecords)
	assert.Equal(t, 0.8, cfg.Deletion.AutoFilterRate)
	assert.Equal(t, 2, cfg.Stabilizer.Max.Today, "max is raised to the minimum")
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [::"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Users = append(cfg.Users, UserConfig{ID: "bob", Timezone: "UTC", Mailbox: "/tmp/bob.json"})
	cfg.Oracle.LocalFallback = true
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, back.User("bob"))
	assert.Equal(t, "/tmp/bob.json", back.User("bob").Mailbox)
	assert.True(t, back.Oracle.LocalFallback)
	assert.Nil(t, back.User("carol"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		users   []UserConfig
		wantErr bool
	}{
		{name: "ok", users: []UserConfig{{ID: "a"}, {ID: "b", Timezone: "Asia/Tokyo"}}},
		{name: "missing id", users: []UserConfig{{}}, wantErr: true},
		{name: "duplicate id", users: []UserConfig{{ID: "a"}, {ID: "a"}}, wantErr: true},
		{name: "bad timezone", users: []UserConfig{{ID: "a", Timezone: "Mars/Olympus"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Users = tt.users
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocationFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	assert.Equal(t, "UTC", cfg.Location(nil).String())
	assert.Equal(t, "Asia/Tokyo", cfg.Location(&UserConfig{Timezone: "Asia/Tokyo"}).String())
}
