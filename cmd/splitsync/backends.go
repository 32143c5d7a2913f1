package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/splitsync/internal/config"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/store/blobstore"
	"github.com/openmined/splitsync/internal/store/localfs"
	"github.com/openmined/splitsync/internal/store/roboflow"
	"github.com/openmined/splitsync/internal/store/sharepoint"
	"github.com/openmined/splitsync/internal/utils"
)

// buildAdapters creates the local store plus every enabled backend, each
// remote one behind its client side rate limit.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]store.Adapter, error) {
	local, err := localfs.New(cfg.Local.Root)
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	adapters := []store.Adapter{local}
	logger.Debug("store enabled", "store", store.Local, "root", local.Root())

	if cfg.Remote.Enabled() {
		remote, err := buildRemote(ctx, cfg.Remote, logger)
		if err != nil {
			return nil, fmt.Errorf("remote store: %w", err)
		}
		limited, err := store.WithRateLimit(remote, cfg.Remote.Rate)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, limited)
	}

	if cfg.Project.Enabled() {
		project, err := roboflow.New(roboflow.Config{
			APIURL:    cfg.Project.APIURL,
			Workspace: cfg.Project.Workspace,
			Project:   cfg.Project.Project,
			APIKey:    cfg.Project.APIKey,
			Timeout:   cfg.Project.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("project store: %w", err)
		}
		logger.Debug("store enabled", "store", store.Project,
			"workspace", cfg.Project.Workspace,
			"project", cfg.Project.Project,
			"api_key", utils.MaskSecret(cfg.Project.APIKey),
		)
		limited, err := store.WithRateLimit(project, cfg.Project.Rate)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, limited)
	}

	return adapters, nil
}

func buildRemote(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (store.Adapter, error) {
	switch cfg.Type {
	case config.RemoteSharePoint:
		sp := cfg.SharePoint
		logger.Debug("store enabled", "store", store.Remote, "type", cfg.Type,
			"site", sp.SiteURL,
			"folder", sp.Folder,
			"token", utils.MaskSecret(sp.AccessToken),
		)
		return sharepoint.New(sharepoint.Config{
			SiteURL:     sp.SiteURL,
			Folder:      sp.Folder,
			AccessToken: sp.AccessToken,
			Timeout:     cfg.Timeout,
		})

	case config.RemoteS3:
		s3 := cfg.S3
		logger.Debug("store enabled", "store", store.Remote, "type", cfg.Type,
			"bucket", s3.Bucket,
			"prefix", s3.Prefix,
			"endpoint", s3.Endpoint,
			"access_key", utils.MaskSecret(s3.AccessKey),
		)
		return blobstore.New(ctx, blobstore.Config{
			Bucket:        s3.Bucket,
			Prefix:        s3.Prefix,
			Region:        s3.Region,
			AccessKey:     s3.AccessKey,
			SecretKey:     s3.SecretKey,
			Endpoint:      s3.Endpoint,
			UseAccelerate: s3.UseAccelerate,
		})

	default:
		return nil, fmt.Errorf("unknown remote type %q", cfg.Type)
	}
}
