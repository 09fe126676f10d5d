package config

import (
	"strings"
	"testing"
)

func TestCleanupConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg CleanupConfig)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg CleanupConfig) {
				if cfg != DefaultCleanupConfig() {
					t.Errorf("got %v, want defaults %v", cfg, DefaultCleanupConfig())
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"CALYDB_CLEANUP_SOLITARY_DELTA":        "0.5",
				"CALYDB_CLEANUP_SOLITARY_MAX_CLUSTERS": "3",
				"CALYDB_CLEANUP_TASK_MIN_COUNT":        "20",
			},
			check: func(t *testing.T, cfg CleanupConfig) {
				if cfg.SolitaryDelta != 0.5 {
					t.Errorf("SolitaryDelta = %v, want 0.5", cfg.SolitaryDelta)
				}
				if cfg.SolitaryMaxClusters != 3 {
					t.Errorf("SolitaryMaxClusters = %v, want 3", cfg.SolitaryMaxClusters)
				}
				if cfg.TaskMinCount != 20 {
					t.Errorf("TaskMinCount = %v, want 20", cfg.TaskMinCount)
				}
			},
		},
		{
			name:    "unparseable float",
			envVars: map[string]string{"CALYDB_CLEANUP_SOLITARY_DELTA": "wide"},
			wantErr: true,
		},
		{
			name:    "out of range value",
			envVars: map[string]string{"CALYDB_CLEANUP_BATCH_SIZE": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{
				"CALYDB_CLEANUP_MAX_ENTHALPY", "CALYDB_CLEANUP_SOLITARY_DELTA",
				"CALYDB_CLEANUP_SOLITARY_MAX_CLUSTERS", "CALYDB_CLEANUP_SOLITARY_STOP_SIZE",
				"CALYDB_CLEANUP_TASK_MIN_COUNT", "CALYDB_CLEANUP_BATCH_SIZE",
			} {
				t.Setenv(key, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := CleanupConfigFromEnv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("CleanupConfigFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestCleanupConfigString(t *testing.T) {
	s := DefaultCleanupConfig().String()
	if !strings.Contains(s, "SolitaryDelta: 1") {
		t.Errorf("String() = %q, missing SolitaryDelta", s)
	}
}
