package vault

import (
	"context"
	"testing"

	"fleetledger/internal/config"
)

func TestNewVaultFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.VaultConfig
		wantErr  bool
		validate bool
	}{
		{
			name:     "memory vault",
			cfg:      config.VaultConfig{Type: "memory", Name: "test-memory"},
			validate: true,
		},
		{
			name: "s3 vault with static credentials",
			cfg: config.VaultConfig{
				Type:        "s3",
				Name:        "test-s3",
				S3Bucket:    "my-bucket",
				S3Region:    "us-east-1",
				S3Endpoint:  "http://127.0.0.1:9000",
				S3AccessKey: "key",
				S3SecretKey: "secret",
			},
		},
		{
			name:    "s3 vault without bucket",
			cfg:     config.VaultConfig{Type: "s3", Name: "test-s3"},
			wantErr: true,
		},
		{
			name:    "filesystem vault without root",
			cfg:     config.VaultConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
		},
		{
			name:    "unknown vault type",
			cfg:     config.VaultConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewVaultFromConfig(context.Background(), tt.cfg)

			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVaultFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.wantErr {
				if got != nil {
					t.Errorf("NewVaultFromConfig() = %v, want nil", got)
				}
				return
			}

			if got == nil {
				t.Fatal("NewVaultFromConfig() returned nil vault")
			}
			if tt.validate {
				if err := got.ValidateSetup(context.Background()); err != nil {
					t.Errorf("ValidateSetup() error = %v", err)
				}
			}
		})
	}

	t.Run("filesystem vault", func(t *testing.T) {
		cfg := config.VaultConfig{Type: "filesystem", Name: "test-fs", FSVaultRoot: t.TempDir()}
		got, err := NewVaultFromConfig(context.Background(), cfg)
		if err != nil {
			t.Fatalf("NewVaultFromConfig() error = %v", err)
		}
		if err := got.ValidateSetup(context.Background()); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})
}
