package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("APP_ENV", "")
	t.Setenv("APP_TIMEZONE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, time.UTC, cfg.App.Policy.Location)
	assert.Equal(t, 10, cfg.Profile.DefaultDailyGoal)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SweepOffset)
	assert.Equal(t, "users", cfg.Firestore.Collection)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("STORE_BACKEND=redis\nREDIS_PORT=6380\nPROFILE_DEFAULT_DAILY_GOAL=25\n"), 0o600))

	t.Setenv("PROFILE_DEFAULT_DAILY_GOAL", "15")
	// godotenv sets variables it loads; register them for cleanup.
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("REDIS_PORT", "")
	require.NoError(t, os.Unsetenv("STORE_BACKEND"))
	require.NoError(t, os.Unsetenv("REDIS_PORT"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, 15, cfg.Profile.DefaultDailyGoal)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "postgres without url",
			env:  map[string]string{"STORE_BACKEND": "postgres", "DATABASE_URL": "", "DB_HOST": ""},
			want: "DATABASE_URL is required",
		},
		{
			name: "firestore without project",
			env:  map[string]string{"STORE_BACKEND": "firestore", "FIRESTORE_PROJECT_ID": ""},
			want: "FIRESTORE_PROJECT_ID is required",
		},
		{
			name: "unknown backend",
			env:  map[string]string{"STORE_BACKEND": "etcd"},
			want: `unknown STORE_BACKEND "etcd"`,
		},
		{
			name: "memory in production",
			env:  map[string]string{"STORE_BACKEND": "memory", "APP_ENV": "production"},
			want: "not allowed in production",
		},
		{
			name: "goal out of range",
			env:  map[string]string{"STORE_BACKEND": "memory", "PROFILE_DEFAULT_DAILY_GOAL": "5000"},
			want: "PROFILE_DEFAULT_DAILY_GOAL must be 1-1000",
		},
		{
			name: "sweep offset beyond a day",
			env:  map[string]string{"STORE_BACKEND": "memory", "SCHEDULER_SWEEP_OFFSET": "25h"},
			want: "SCHEDULER_SWEEP_OFFSET must be within a day",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_DatabaseURLFromParts(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "sync")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("STORE_BACKEND", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://sync:secret@db:5432/studysync?sslmode=disable", cfg.Database.URL)
}
