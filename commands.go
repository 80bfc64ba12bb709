package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"video-prepare/api"
	"video-prepare/config"
	"video-prepare/cron"
	"video-prepare/logging"
	"video-prepare/monitoring"
	"video-prepare/service"
	"video-prepare/timeline"
)

type rangeFlags struct {
	start string
	end   string
}

func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.start, "start", "", "range start, e.g. 2024-01-02T10:00 (UTC unless an offset is given)")
	cmd.Flags().StringVar(&r.end, "end", "", "range end, exclusive")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
}

func (r *rangeFlags) parse() (time.Time, time.Time, error) {
	start, err := timeline.ParseTimestamp(r.start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
	}
	end, err := timeline.ParseTimestamp(r.end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
	}
	return start, end, nil
}

func newPrepareCmd(opts *globalOptions) *cobra.Command {
	var (
		rng             rangeFlags
		req             service.PrepareRequest
		videoDir        string
		rawDir          string
		strict          bool
		noLedger        bool
		monitorInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:     "prepare",
		Aliases: []string{"prepare-videos-for-environment-for-time-range"},
		Short:   "Build and register one stream per camera for a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if videoDir != "" {
				cfg.VideoDirectory = videoDir
			}
			if rawDir != "" {
				cfg.RawVideoStorageDirectory = rawDir
			}
			if err := cfg.Validate(config.PurposePrepare); err != nil {
				return err
			}
			if req.Start, req.End, err = rng.parse(); err != nil {
				return err
			}
			req.VideoDirectory = cfg.VideoDirectory

			a, err := newApp(cfg, !noLedger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			monitoring.StartMonitoring(ctx, monitorInterval, logging.WithComponent("monitor"))
			a.warnLowDisk(cfg.VideoDirectory)

			preparer, err := a.preparer()
			if err != nil {
				return err
			}
			summary, err := preparer.Prepare(ctx, req)
			if err != nil {
				return err
			}
			for _, f := range summary.Failed {
				a.log.Error().Err(f.Err).Str("camera", f.Camera).Msg("camera was not prepared")
			}
			a.log.Info().
				Str("run_id", summary.RunID.String()).
				Str("playset_id", summary.PlaysetID.String()).
				Bool("skipped", summary.Skipped).
				Strs("succeeded", summary.Succeeded).
				Int("failed", len(summary.Failed)).
				Msg("prepare finished")
			return summary.Err(strict)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&req.Environment, "environment_name", "e", "", "environment (classroom) name")
	f.StringVarP(&videoDir, "video_directory", "v", "", "root directory for prepared videos (default VIDEO_DIRECTORY)")
	f.StringVarP(&req.VideoName, "video_name", "n", "", "playset name, also the output directory name")
	f.StringVar(&rawDir, "raw_video_storage_directory", "", "local mirror of raw clips to copy from before downloading")
	f.BoolVar(&req.Rewrite, "rewrite", false, "rebuild outputs and replace an existing playset")
	f.BoolVar(&req.Append, "append", false, "no longer supported, ignored")
	f.BoolVar(&req.Cleanup, "cleanup", false, "remove staged mp4 files once a camera is registered")
	f.StringArrayVarP(&req.Cameras, "camera", "c", nil, "only prepare this camera (assignment id, device id or name); repeatable")
	f.BoolVar(&strict, "strict", false, "fail when any camera fails")
	f.BoolVar(&noLedger, "no-ledger", false, "do not record the run in the ledger database")
	f.DurationVar(&monitorInterval, "monitor-interval", 0, "log resource usage at this interval")
	rng.register(cmd)
	_ = cmd.MarkFlagRequired("environment_name")
	_ = cmd.MarkFlagRequired("video_name")
	return cmd
}

func newListVideosCmd(opts *globalOptions) *cobra.Command {
	var (
		rng rangeFlags
		req service.ListRequest
	)
	cmd := &cobra.Command{
		Use:   "list-videos",
		Short: "Write a CSV of the clips each camera recorded in a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(config.PurposeList); err != nil {
				return err
			}
			if req.Start, req.End, err = rng.parse(); err != nil {
				return err
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			lister := service.NewLister(a.honeycomb(), a.videoStorage(), logging.WithComponent("list"))
			path, rows, err := lister.ListVideos(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.log.Info().Str("path", path).Int("rows", rows).Msg("video list written")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Environment, "environment_name", "e", "", "environment (classroom) name")
	f.StringVarP(&req.OutputPath, "output_path", "o", ".", "directory for the CSV file")
	f.StringVarP(&req.OutputName, "output_name", "n", "videos.csv", "CSV file name")
	f.StringArrayVarP(&req.Cameras, "camera", "c", nil, "only list this camera; repeatable")
	rng.register(cmd)
	_ = cmd.MarkFlagRequired("environment_name")
	return cmd
}

func newPlaysetsCmd(opts *globalOptions) *cobra.Command {
	var environment, date string
	cmd := &cobra.Command{
		Use:   "playsets",
		Short: "List the playsets registered for an environment on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(config.PurposeRegistrar); err != nil {
				return err
			}
			day := time.Now().UTC()
			if date != "" {
				if day, err = time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			envID, err := a.honeycomb().FindEnvironmentID(ctx, environment)
			if err != nil {
				return err
			}
			playsets, err := a.streamService().GetPlaysetsByDate(ctx, envID, day)
			if err != nil {
				return err
			}
			return printPlaysets(playsets)
		},
	}
	cmd.Flags().StringVarP(&environment, "environment_name", "e", "", "environment (classroom) name")
	cmd.Flags().StringVar(&date, "date", "", "day as YYYY-MM-DD (default today, UTC)")
	_ = cmd.MarkFlagRequired("environment_name")
	return cmd
}

func printPlaysets(playsets []api.PlaysetResponse) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTART\tEND\tVIDEOS")
	for _, p := range playsets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Name,
			p.StartTime.UTC().Format(time.RFC3339), p.EndTime.UTC().Format(time.RFC3339), len(p.Videos))
	}
	return w.Flush()
}

func newScheduleCmd(opts *globalOptions) *cobra.Command {
	var monitorInterval time.Duration
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Prepare a rolling window for the configured environments on a cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(config.PurposePrepare); err != nil {
				return err
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			monitoring.StartMonitoring(ctx, monitorInterval, logging.WithComponent("monitor"))
			preparer, err := a.preparer()
			if err != nil {
				return err
			}
			scheduler := cron.NewScheduler(cfg.Schedule, cfg.VideoDirectory, preparer, logging.WithComponent("scheduler"))
			return scheduler.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&monitorInterval, "monitor-interval", 5*time.Minute, "log resource usage at this interval")
	return cmd
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve prepared playlists, segments and previews over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.ServerPort = port
			}
			if err := cfg.Validate(config.PurposeServe); err != nil {
				return err
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			server := api.NewServer(cfg.VideoDirectory, cfg.ServerPort, a.metrics.Gatherer(), logging.WithComponent("server"))
			return server.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default SERVER_PORT)")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent prepare runs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabasePath == "" {
				return &config.ConfigurationError{Field: "database_path", Reason: "is required, set DATABASE_PATH"}
			}
			a, err := newApp(cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			runs, err := a.ledger.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s - %s\t%s\n", run.ID, run.Environment, run.Name, run.Status,
					run.RangeStart.Format(time.RFC3339), run.RangeEnd.Format(time.RFC3339), run.ErrorMessage)
				cams, err := a.ledger.CameraRuns(ctx, run.ID)
				if err != nil {
					return err
				}
				for _, c := range cams {
					fmt.Fprintf(w, "\t%s\t%s\t%s\tcaptured=%d missing=%d\t%s\n", c.Camera, c.DeviceID, c.Stage,
						c.Captured, c.Missing, c.ErrorMessage)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}
