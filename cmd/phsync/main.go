package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/hadiwn/immich-gphotos-mirror/internal/db"
	"github.com/hadiwn/immich-gphotos-mirror/internal/gphotos"
	"github.com/hadiwn/immich-gphotos-mirror/internal/immich"
	"github.com/hadiwn/immich-gphotos-mirror/internal/scheduler"
	"github.com/hadiwn/immich-gphotos-mirror/internal/secrets"
	"github.com/hadiwn/immich-gphotos-mirror/internal/sync"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/utils"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "phsync",
		Usage:                "Mirror an Immich album into Google Photos",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the sync database",
				Value: "phsync.db",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "setup",
				Usage: "Store or update connection settings",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "immich-url", Usage: "Immich server URL"},
					&cli.StringFlag{Name: "immich-api-key", Usage: "Immich API key"},
					&cli.StringFlag{Name: "google-client-id", Usage: "Google OAuth client id"},
					&cli.StringFlag{Name: "google-client-secret", Usage: "Google OAuth client secret"},
					&cli.StringFlag{Name: "google-refresh-token", Usage: "Google OAuth refresh token"},
					&cli.IntFlag{Name: "interval", Usage: "Scheduled sync interval in minutes"},
					&cli.BoolFlag{Name: "enable-schedule", Usage: "Enable scheduled syncs"},
					&cli.BoolFlag{Name: "disable-schedule", Usage: "Disable scheduled syncs"},
					&cli.BoolFlag{Name: "test", Usage: "Test the Immich connection after saving"},
				},
				Action: setup,
			},
			{
				Name:   "albums",
				Usage:  "List albums on the Immich server",
				Action: listAlbums,
			},
			{
				Name:  "select-album",
				Usage: "Choose the source album to mirror",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Immich album id",
						Required: true,
					},
				},
				Action: selectAlbum,
			},
			{
				Name:  "sync",
				Usage: "Run one synchronization pass",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "Disable the progress bar",
					},
				},
				Action: runSync,
			},
			{
				Name:   "status",
				Usage:  "Show engine state and tracker statistics",
				Action: showStatus,
			},
			{
				Name:  "history",
				Usage: "Show recent sync runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of runs to show",
						Value: 10,
					},
				},
				Action: showHistory,
			},
			{
				Name:   "schedule",
				Usage:  "Run the interval scheduler in the foreground",
				Action: runScheduler,
			},
			{
				Name:   "unlock",
				Usage:  "Release a run lock left behind by a crashed process",
				Action: unlock,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openDB(c *cli.Context) (*db.DB, error) {
	cipher, err := secrets.FromEnv()
	if err != nil {
		log.Warn("PHSYNC_SECRET_KEY is not set; credentials will be stored unencrypted")
	}
	return db.New(c.String("db"), cipher)
}

func buildSyncer(database *db.DB, cfg *models.Config, showProgress bool) *sync.Syncer {
	source := immich.NewClient(cfg.ImmichURL, cfg.ImmichAPIKey)
	dest := gphotos.NewClient(&gphotos.RefreshTokenSource{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RefreshToken: cfg.GoogleRefreshToken,
	})
	return sync.NewSyncer(database, source, dest, &sync.SyncerConfig{ShowProgress: showProgress})
}

func setup(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	cfg, err := database.GetConfig()
	if err != nil {
		return err
	}

	if v := c.String("immich-url"); v != "" {
		cfg.ImmichURL = v
	}
	if v := c.String("immich-api-key"); v != "" {
		cfg.ImmichAPIKey = v
	}
	if v := c.String("google-client-id"); v != "" {
		cfg.GoogleClientID = v
	}
	if v := c.String("google-client-secret"); v != "" {
		cfg.GoogleClientSecret = v
	}
	if v := c.String("google-refresh-token"); v != "" {
		cfg.GoogleRefreshToken = v
	}
	if c.IsSet("interval") {
		cfg.SyncIntervalMins = c.Int("interval")
	}
	if c.Bool("enable-schedule") {
		cfg.SyncEnabled = true
	}
	if c.Bool("disable-schedule") {
		cfg.SyncEnabled = false
	}

	if err := database.SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %v", err)
	}
	fmt.Println("Configuration saved")

	if c.Bool("test") {
		client := immich.NewClient(cfg.ImmichURL, cfg.ImmichAPIKey)
		user, err := client.Ping(c.Context)
		if err != nil {
			return fmt.Errorf("immich connection test failed: %v", err)
		}
		name := user.Email
		if name == "" {
			name = user.Name
		}
		fmt.Printf("Connected to Immich as %s\n", name)
	}
	return nil
}

func listAlbums(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	cfg, err := database.GetConfig()
	if err != nil {
		return err
	}
	if cfg.ImmichURL == "" || cfg.ImmichAPIKey == "" {
		return fmt.Errorf("immich is not configured; run 'phsync setup' first")
	}

	client := immich.NewClient(cfg.ImmichURL, cfg.ImmichAPIKey)
	albums, err := client.ListAlbums(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list albums: %v", err)
	}

	for _, album := range albums {
		marker := " "
		if album.ID == cfg.ImmichAlbumID {
			marker = "*"
		}
		fmt.Printf("%s %s  %s (%d assets)\n", marker, album.ID, album.Name, album.AssetCount)
	}
	return nil
}

func selectAlbum(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	cfg, err := database.GetConfig()
	if err != nil {
		return err
	}
	if cfg.ImmichURL == "" || cfg.ImmichAPIKey == "" {
		return fmt.Errorf("immich is not configured; run 'phsync setup' first")
	}

	albumID := c.String("id")
	client := immich.NewClient(cfg.ImmichURL, cfg.ImmichAPIKey)
	albums, err := client.ListAlbums(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list albums: %v", err)
	}

	for _, album := range albums {
		if album.ID == albumID {
			if err := database.SetImmichAlbum(album.ID, album.Name); err != nil {
				return err
			}
			fmt.Printf("Selected album %q (%d assets)\n", album.Name, album.AssetCount)
			return nil
		}
	}
	return fmt.Errorf("album %s not found on the Immich server", albumID)
}

func runSync(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	cfg, err := database.GetConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncer := buildSyncer(database, cfg, !c.Bool("quiet"))
	summary, err := syncer.Run(ctx)
	if err != nil {
		return err
	}

	printSummary(summary)
	return nil
}

func printSummary(summary *models.RunSummary) {
	fmt.Printf("\nRun %d finished in %s: %s\n",
		summary.ID,
		utils.FormatDuration(summary.FinishedAt.Sub(summary.StartedAt)),
		summary.Status)
	fmt.Printf("- Total:    %d\n", summary.Total)
	fmt.Printf("- Uploaded: %d\n", summary.Uploaded)
	fmt.Printf("- Skipped:  %d\n", summary.Skipped)
	fmt.Printf("- Failed:   %d\n", summary.Failed)
	fmt.Printf("- Removed:  %d\n", summary.Removed)
}

func showStatus(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	cfg, err := database.GetConfig()
	if err != nil {
		return err
	}

	run, err := database.CurrentRun()
	if err != nil {
		return err
	}
	if run != nil {
		fmt.Printf("Engine: running (run %d, started %s)\n", run.ID, run.StartedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Engine: idle")
	}

	fmt.Printf("Source album:      %s\n", orUnset(cfg.ImmichAlbumName))
	fmt.Printf("Destination album: %s\n", orUnset(cfg.GoogleAlbumName))
	fmt.Printf("Scheduled sync:    enabled=%v interval=%dm\n", cfg.SyncEnabled, cfg.SyncIntervalMins)

	stats, err := database.TrackerStats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %v", err)
	}
	fmt.Printf("Tracked items: %d (Size: %s)\n", stats.TotalItems, utils.FormatSize(stats.TotalSize))
	fmt.Printf("- OK:       %d (Size: %s)\n", stats.OKItems, utils.FormatSize(stats.OKSize))
	fmt.Printf("- Pending:  %d\n", stats.PendingItems)
	fmt.Printf("- Failed:   %d\n", stats.FailedItems)
	fmt.Printf("- Orphaned: %d\n", stats.OrphanedItems)
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func showHistory(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	runs, err := database.ListRuns(c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No sync runs recorded yet")
		return nil
	}

	for _, run := range runs {
		duration := "-"
		if !run.FinishedAt.IsZero() {
			duration = utils.FormatDuration(run.FinishedAt.Sub(run.StartedAt))
		}
		fmt.Printf("#%-4d %s  %-9s  total=%d uploaded=%d skipped=%d failed=%d removed=%d  (%s)\n",
			run.ID,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			run.Status,
			run.Total, run.Uploaded, run.Skipped, run.Failed, run.Removed,
			duration)
	}
	return nil
}

func unlock(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	released, err := database.AbortRuns(time.Now())
	if err != nil {
		return err
	}
	if released == 0 {
		fmt.Println("No run lock held")
		return nil
	}
	fmt.Printf("Released %d stale run(s); they are recorded as FAILED\n", released)
	return nil
}

func runScheduler(c *cli.Context) error {
	database, err := openDB(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	cfg, err := database.GetConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncer := buildSyncer(database, cfg, false)
	sched := scheduler.New(database, syncer, nil)

	log.Infof("Scheduler started (interval %dm, enabled=%v)", cfg.SyncIntervalMins, cfg.SyncEnabled)
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
