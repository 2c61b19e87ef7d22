package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"renderd/internal/adapters/storage/gdrive"
	"renderd/internal/adapters/storage/localfs"
	"renderd/internal/pkg/errors"
	"renderd/internal/worker/util"
)

// Config selects and configures the archive provider.
type Config struct {
	Provider  string
	LocalRoot string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

// ConfigFromEnv reads STORAGE_* and GDRIVE_* variables.
func ConfigFromEnv() Config {
	return Config{
		Provider:           util.Env("STORAGE_PROVIDER", "localfs"),
		LocalRoot:          util.Env("STORAGE_LOCAL_ROOT", "/data"),
		GDriveClientID:     util.Env("GDRIVE_CLIENT_ID", ""),
		GDriveClientSecret: util.Env("GDRIVE_CLIENT_SECRET", ""),
		GDriveRefreshToken: util.Env("GDRIVE_REFRESH_TOKEN", ""),
		GDriveFolderID:     util.Env("GDRIVE_FOLDER_ID", ""),
	}
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, errors.ValidationField("STORAGE_LOCAL_ROOT", "local storage root is required")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg)

	default:
		return nil, errors.ValidationField("STORAGE_PROVIDER", fmt.Sprintf("unknown storage provider: %s", cfg.Provider))
	}
}

func newGDriveProvider(ctx context.Context, cfg Config) (Provider, error) {
	for name, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.GDriveClientID,
		"GDRIVE_CLIENT_SECRET": cfg.GDriveClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.GDriveRefreshToken,
	} {
		if v == "" {
			return nil, errors.ValidationField(name, "missing env: "+name)
		}
	}

	conf := &oauth2.Config{
		ClientID:     cfg.GDriveClientID,
		ClientSecret: cfg.GDriveClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "storage.gdrive", "failed to create drive service")
	}

	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
