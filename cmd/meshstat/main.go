package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"meshstat/internal/app"
	"meshstat/internal/config"
	"meshstat/internal/content"
	"meshstat/internal/model"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a MeshApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "RunNode", "Stats").
func newApp(cmd *cobra.Command, operation string) (*app.MeshApp, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}

	a, err := app.NewMeshApp(cfg, operation, app.Options{LogLevel: level})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:          "meshstat",
	Short:        "Offline-first listening analytics over a local mesh",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		if role != config.RoleDevice && role != config.RoleAggregator {
			return fmt.Errorf("role must be %q or %q", config.RoleDevice, config.RoleAggregator)
		}

		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg := config.NewConfig(role, paths.BaseDir)

		if err := config.Init(paths.ConfigFile, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigFile)
		fmt.Printf("Role:     %s\n", cfg.Role)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigFile)
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// identity command
var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the device identity",
}

var identityInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the device ID and signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "InitIdentity")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.InitIdentity()
		if err != nil {
			return err
		}
		fmt.Printf("Device ID:  %s\n", info.DeviceID)
		fmt.Printf("Public Key: %s\n", hex.EncodeToString(info.PublicKey))
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the device ID and public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ShowIdentity")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.ShowIdentity()
		if err != nil {
			return err
		}
		fmt.Printf("Device ID:  %s\n", info.DeviceID)
		fmt.Printf("Public Key: %s\n", hex.EncodeToString(info.PublicKey))
		return nil
	},
}

// identify command
var identifyCmd = &cobra.Command{
	Use:   "identify FILE",
	Short: "Compute the content ID of an audio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, _ := cmd.Flags().GetBool("record")
		title, _ := cmd.Flags().GetString("title")
		artist, _ := cmd.Flags().GetString("artist")
		album, _ := cmd.Flags().GetString("album")
		duration, _ := cmd.Flags().GetDuration("duration")

		a, err := newApp(cmd, "Identify")
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		src := content.AudioSource{Path: path, Title: title, Artist: artist, Album: album, Duration: duration}
		res, stored, err := a.Identify(cmd.Context(), src, record)
		if err != nil {
			return err
		}

		fmt.Printf("Content ID: %s\n", res.ContentID)
		if res.FromContentHash {
			fmt.Println("Source:     file hash (no usable tags)")
		} else {
			fmt.Printf("Title:      %s\n", res.Metadata.Title)
			fmt.Printf("Artist:     %s\n", res.Metadata.Artist)
			fmt.Printf("Duration:   %s\n", res.Metadata.Duration)
		}
		if record {
			if stored {
				fmt.Println("Track metadata recorded.")
			} else {
				fmt.Println("Track already known.")
			}
		}
		return nil
	},
}

// play command
var playCmd = &cobra.Command{
	Use:   "play CONTENT_ID",
	Short: "Record a playback event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		played, _ := cmd.Flags().GetDuration("played")
		length, _ := cmd.Flags().GetDuration("length")
		skips, _ := cmd.Flags().GetUint32("skips")

		a, err := newApp(cmd, "RecordPlayback")
		if err != nil {
			return err
		}
		defer a.Close()

		rec := &model.PlaybackRecord{
			ContentID:      args[0],
			DurationPlayed: int64(played / time.Second),
			TrackDuration:  int64(length / time.Second),
			SkipCount:      skips,
		}
		if length > 0 {
			rec.PlayPercentage = float64(played) / float64(length)
		}
		if err := a.Recorder().RecordPlayback(cmd.Context(), rec); err != nil {
			return err
		}
		fmt.Printf("Recorded playback %s\n", rec.RecordID)
		return nil
	},
}

// node command
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a mesh node",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the mesh in the configured role",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RunNode")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()
		return a.RunNode(ctx)
	},
}

// aggregators command
var aggregatorsCmd = &cobra.Command{
	Use:   "aggregators",
	Short: "List aggregators heard on the mesh",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		a, err := newApp(cmd, "Aggregators")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		live, err := a.Aggregators(ctx, wait)
		if err != nil {
			return err
		}
		if len(live) == 0 {
			fmt.Println("No aggregators found.")
			return nil
		}
		for _, agg := range live {
			lastSync := "never"
			if !agg.LastInternetSyncTime.IsZero() {
				lastSync = agg.LastInternetSyncTime.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  load %d/%d  uplink %s  peer %s\n",
				shortID(agg.AggregatorID), agg.CurrentLoad, agg.Capacity, lastSync, agg.Peer)
		}
		return nil
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local record counts and listening statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")

		a, err := newApp(cmd, "Stats")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Stats(cmd.Context(), top)
		if err != nil {
			return err
		}

		fmt.Printf("%-10s %8s %8s\n", "", "stored", "pending")
		fmt.Printf("%-10s %8d %8d\n", "playback", s.Counts.Playback, s.Pending.Playback)
		fmt.Printf("%-10s %8d %8d\n", "sharing", s.Counts.Sharing, s.Pending.Sharing)
		fmt.Printf("%-10s %8d %8d\n", "transfers", s.Counts.Transfers, s.Pending.Transfers)
		fmt.Printf("%-10s %8d %8d\n", "tracks", s.Counts.Tracks, s.Pending.Tracks)

		fmt.Printf("\nQualifying plays: %d of %d\n", s.Playback.QualifyingPlays, s.Playback.TotalPlays)
		fmt.Printf("Time listened:    %s\n", time.Duration(s.Playback.TotalPlaySeconds)*time.Second)

		if len(s.Top) > 0 {
			fmt.Println("\nTop content:")
			for _, c := range s.Top {
				name := c.ContentID
				if c.Title != "" {
					name = fmt.Sprintf("%s - %s", c.Artist, c.Title)
				}
				fmt.Printf("  %4d  %s\n", c.QualifyingPlays, name)
			}
		}
		return nil
	},
}

// pending command
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show records waiting to sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Pending")
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.Pending(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("playback %d  sharing %d  transfers %d  tracks %d\n",
			c.Playback, c.Sharing, c.Transfers, c.Tracks)
		return nil
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced records older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Prune")
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.Prune(cmd.Context())
		if err != nil {
			return err
		}
		total := removed.Playback + removed.Sharing + removed.Transfers + removed.Tracks
		fmt.Printf("Removed %d record(s)\n", total)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup FILE",
	Short: "Write a snapshot of the local database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		dest, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		if err := a.Backup(dest); err != nil {
			return err
		}
		fmt.Printf("Database written to %s\n", dest)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("role", config.RoleDevice, "Node role: device or aggregator")
	configCmd.AddCommand(configListCmd)

	// identity subcommands
	identityCmd.AddCommand(identityInitCmd)
	identityCmd.AddCommand(identityShowCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(identifyCmd)
	identifyCmd.Flags().Bool("record", false, "Store the track metadata for sync")
	identifyCmd.Flags().String("title", "", "Track title, overriding embedded tags")
	identifyCmd.Flags().String("artist", "", "Track artist, overriding embedded tags")
	identifyCmd.Flags().String("album", "", "Track album, overriding embedded tags")
	identifyCmd.Flags().Duration("duration", 0, "Track duration, e.g. 3m45s")
	rootCmd.AddCommand(playCmd)
	playCmd.Flags().Duration("played", 0, "How long the track was played")
	playCmd.Flags().Duration("length", 0, "Full track length")
	playCmd.Flags().Uint32("skips", 0, "Number of skips during playback")
	nodeCmd.AddCommand(nodeRunCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(aggregatorsCmd)
	aggregatorsCmd.Flags().Duration("wait", 10*time.Second, "How long to listen for beacons")
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntP("top", "n", 10, "Number of top content entries to show")
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(backupCmd)
}
