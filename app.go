package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"video-prepare/api"
	"video-prepare/config"
	"video-prepare/database"
	"video-prepare/logging"
	"video-prepare/metrics"
	"video-prepare/monitoring"
	"video-prepare/service"
	"video-prepare/storage"
	"video-prepare/transcode"
)

// app holds the clients and services built from one configuration.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Registry
	ledger  database.Ledger
	tokens  map[string]*api.TokenSource
}

func newApp(cfg config.Config, withLedger bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     logging.Base(),
		metrics: metrics.New(),
		tokens:  map[string]*api.TokenSource{},
	}
	if err := config.EnsurePaths(cfg); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}
	if withLedger && cfg.DatabasePath != "" {
		ledger, err := database.NewSQLiteLedger(cfg.DatabasePath, logging.WithComponent("ledger"))
		if err != nil {
			return nil, fmt.Errorf("open run ledger: %w", err)
		}
		a.ledger = ledger
	}
	return a, nil
}

func (a *app) Close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warn().Err(err).Msg("error closing run ledger")
		}
	}
	if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		a.log.Warn().Err(err).Msg("error writing metrics textfile")
	}
}

// tokenSource shares one cached token per audience.
func (a *app) tokenSource(audience string) *api.TokenSource {
	if ts, ok := a.tokens[audience]; ok {
		return ts
	}
	ts := api.NewTokenSource(a.cfg.Auth.TokenEndpoint(), a.cfg.Auth.ClientID, a.cfg.Auth.ClientSecret, audience)
	a.tokens[audience] = ts
	return ts
}

func (a *app) honeycomb() *api.HoneycombClient {
	return api.NewHoneycombClient(a.cfg.HoneycombURI, a.tokenSource(a.cfg.HoneycombAudience), logging.WithComponent("honeycomb"))
}

func (a *app) videoStorage() *api.VideoStorageClient {
	return api.NewVideoStorageClient(
		a.cfg.VideoStorageURL,
		a.tokenSource(a.cfg.VideoStorageAudience),
		a.cfg.VideoStoragePageSize,
		a.cfg.VideoStorageRPS,
		logging.WithComponent("videos"),
	)
}

func (a *app) streamService() *api.StreamClient {
	return api.NewStreamClient(a.cfg.StreamServiceURL, a.tokenSource(a.cfg.StreamServiceAudience), logging.WithComponent("registrar"))
}

func (a *app) transcoder() *transcode.Transcoder {
	return transcode.NewTranscoder(transcode.Options{
		FFmpegPath:       a.cfg.FFmpegPath,
		FFprobePath:      a.cfg.FFprobePath,
		ReadTimeout:      a.cfg.ValidityReadTimeout,
		RepeatThreshold:  a.cfg.ValidityRepeatThreshold,
		PlaceholderImage: a.cfg.PlaceholderImage,
	}, nil, logging.WithComponent("transcode"))
}

// fetcher picks the download tier: the object store when a bucket is
// configured, otherwise the video storage data endpoint.
func (a *app) fetcher(videos *api.VideoStorageClient) (storage.Fetcher, error) {
	if !a.cfg.S3.Enabled() {
		return videos, nil
	}
	f, err := storage.NewS3Fetcher(storage.S3Config{
		AccessKey: a.cfg.S3.AccessKey,
		SecretKey: a.cfg.S3.SecretKey,
		Bucket:    a.cfg.S3.Bucket,
		Endpoint:  a.cfg.S3.Endpoint,
		Region:    a.cfg.S3.Region,
	})
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("bucket", f.Bucket()).Msg("downloading clips from object storage")
	return f, nil
}

// preparer wires the whole prepare pipeline.
func (a *app) preparer() (*service.Preparer, error) {
	videos := a.videoStorage()
	fetcher, err := a.fetcher(videos)
	if err != nil {
		return nil, err
	}
	tool := a.transcoder()

	downloadWorkers := monitoring.WorkersOr(a.cfg.DownloadWorkers)
	normalizeWorkers := monitoring.WorkersOr(a.cfg.NormalizeWorkers)
	a.log.Debug().
		Int("download_workers", downloadWorkers).
		Int("normalize_workers", normalizeWorkers).
		Int("copy_workers", a.cfg.CopyWorkers).
		Msg("worker pools")

	downloader := storage.NewBatchDownloader(fetcher, downloadWorkers, logging.WithComponent("storage"))
	acquirer := service.NewAcquirer(a.cfg.RawVideoStorageDirectory, downloader, a.cfg.CopyWorkers, a.metrics, logging.WithComponent("acquire"))
	normalizer := service.NewNormalizer(tool, normalizeWorkers, a.metrics, logging.WithComponent("normalize"))
	generator := service.NewGenerator(tool, acquirer, normalizer, a.ledger, a.metrics, logging.WithComponent("generator"))

	return service.NewPreparer(
		a.honeycomb(),
		videos,
		a.streamService(),
		tool,
		generator,
		a.ledger,
		a.metrics,
		logging.WithComponent("prepare"),
	), nil
}

// warnLowDisk logs when the video directory is running out of space.
func (a *app) warnLowDisk(dir string) {
	const minFreeGB = 5
	free, err := storage.FreeSpaceGB(dir)
	if err != nil {
		a.log.Debug().Err(err).Str("dir", dir).Msg("could not read free space")
		return
	}
	if free < minFreeGB {
		a.log.Warn().Float64("free_gb", free).Str("dir", dir).Msg("low disk space in video directory")
	}
}
