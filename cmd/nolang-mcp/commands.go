package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/team-tissis/nolang-mcp/internal/config"
	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/poll"
	"github.com/team-tissis/nolang-mcp/internal/storage"
	"github.com/team-tissis/nolang-mcp/internal/video"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Start a video generation (consumes paid credits)",
	Long: `Start a video generation from a VideoSetting or a template video.

The video ID is printed on stdout. With --wait the command keeps polling and
prints the download URL once the video is ready.

Examples:
  nolang-mcp generate --setting <uuid> --text "Explain photosynthesis"
  nolang-mcp generate --setting <uuid> --pdf ./deck.pdf --text "Focus on Q3"
  nolang-mcp generate --template <uuid> --mode audio_speech --audio ./talk.mp3 --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		setting, _ := cmd.Flags().GetString("setting")
		template, _ := cmd.Flags().GetString("template")
		mode, _ := cmd.Flags().GetString("mode")
		text, _ := cmd.Flags().GetString("text")
		pdf, _ := cmd.Flags().GetString("pdf")
		pptx, _ := cmd.Flags().GetString("pptx")
		audio, _ := cmd.Flags().GetString("audio")
		videoPath, _ := cmd.Flags().GetString("video")
		images, _ := cmd.Flags().GetStringSlice("image")
		wait, _ := cmd.Flags().GetBool("wait")

		in := nolang.GenerateInput{
			Setting:    nolang.SettingRef{ID: setting},
			Mode:       nolang.GenerationMode(mode),
			Text:       text,
			PDFPath:    pdf,
			PPTXPath:   pptx,
			AudioPath:  audio,
			VideoPath:  videoPath,
			ImagePaths: images,
		}

		var templateID uuid.UUID
		if template != "" {
			id, err := uuid.Parse(template)
			if err != nil {
				return fmt.Errorf("invalid --template %q: %w", template, err)
			}
			templateID = id
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		printStep("Submitting generation...")

		var sub video.Submission
		if template != "" {
			sub, err = a.videos.GenerateFromTemplate(ctx, templateID, in)
		} else {
			sub, err = a.videos.Generate(ctx, in)
		}
		if err != nil {
			return err
		}

		printSuccess("Generation started (mode %s, source %s)", orDash(string(sub.Mode)), sub.Source)
		if sub.Job.EstimatedWaitTime > 0 {
			printStatus("Estimated wait", "%.0fs", sub.Job.EstimatedWaitTime)
		}
		if !wait {
			fmt.Fprintln(cmd.OutOrStdout(), sub.Job.VideoID)
			return nil
		}
		return waitAndPrint(cmd, a, sub.Job.VideoID)
	},
}

func init() {
	generateCmd.Flags().String("setting", "", "VideoSetting ID (UUID)")
	generateCmd.Flags().String("template", "", "template video ID (UUID) to reuse the setting of")
	generateCmd.Flags().String("mode", "", "generation mode: "+modeNames())
	generateCmd.Flags().String("text", "", "text input (query, script, or companion text for a PDF)")
	generateCmd.Flags().String("pdf", "", "path to a PDF file")
	generateCmd.Flags().String("pptx", "", "path to a PPTX file")
	generateCmd.Flags().String("audio", "", "path to an audio file (mp3, wav, m4a, aac)")
	generateCmd.Flags().String("video", "", "path to an MP4 video file")
	generateCmd.Flags().StringSlice("image", nil, "image file path, repeatable or comma-separated (max 10)")
	generateCmd.Flags().Bool("wait", false, "wait for the video and print its download URL")
	addWaitFlags(generateCmd)
	generateCmd.MarkFlagsOneRequired("setting", "template")
	generateCmd.MarkFlagsMutuallyExclusive("setting", "template")
}

// --- wait ---

var waitCmd = &cobra.Command{
	Use:   "wait <video_id>",
	Short: "Wait for a video and print its download URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		videoID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid video ID %q: %w", args[0], err)
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return waitAndPrint(cmd, a, videoID)
	},
}

func init() {
	addWaitFlags(waitCmd)
}

func addWaitFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("interval", 0, "time between status checks (default: poll.interval)")
	cmd.Flags().Duration("max-wait", 0, "maximum time to wait (default: poll.max_wait)")
}

func waitAndPrint(cmd *cobra.Command, a *app, videoID uuid.UUID) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	maxWait, _ := cmd.Flags().GetDuration("max-wait")
	if interval <= 0 {
		interval = a.cfg.Poll.Interval
	}
	if maxWait <= 0 {
		maxWait = a.cfg.Poll.MaxWait
	}

	printStep("Waiting for %s (up to %s)...", videoID, maxWait)
	st, err := a.videos.Wait(cmd.Context(), videoID, poll.Options{
		Interval: interval,
		MaxWait:  maxWait,
		OnProgress: func(p poll.Progress) {
			printStep("Still running (%s elapsed)", p.Elapsed.Round(time.Second))
		},
	})
	if err != nil {
		return err
	}

	printSuccess("Video %s is ready", st.VideoID)
	fmt.Fprintln(cmd.OutOrStdout(), st.DownloadURL)
	return nil
}

// --- videos ---

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "List generated videos",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.videos.ListVideos(cmd.Context(), page)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, p)
		}
		if len(p.Results) == 0 {
			fmt.Fprintln(out, "No videos found.")
			return nil
		}
		for _, v := range p.Results {
			fmt.Fprintf(out, "%s  %s  %-9s  %s\n",
				colorize(colorCyan, v.VideoID.String()),
				v.CreatedAt.Format(time.DateTime),
				orDash(string(v.Status)),
				truncate(v.Prompt, 60),
			)
		}
		total := p.TotalCount
		if total == 0 {
			total = p.Count
		}
		printStatus("Page", "%d (total %d, more: %t)", page, total, p.HasNext || p.Next != nil)
		return nil
	},
}

func init() {
	videosCmd.Flags().Int("page", 1, "page number (starting at 1)")
	videosCmd.Flags().Bool("json", false, "print the raw page as JSON")
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "List your VideoSettings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.videos.ListSettings(cmd.Context(), page)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, p)
		}
		if len(p.Results) == 0 {
			fmt.Fprintln(out, "No video settings found.")
			return nil
		}
		for _, s := range p.Results {
			fmt.Fprintf(out, "%s  %s  %s\n",
				colorize(colorCyan, s.VideoSettingID.String()),
				s.UpdatedAt.Format(time.DateTime),
				s.Title,
			)
		}
		printStatus("Page", "%d (total %d, more: %t)", page, p.TotalCount, p.HasNext)
		return nil
	},
}

func init() {
	settingsCmd.Flags().Int("page", 1, "page number (starting at 1)")
	settingsCmd.Flags().Bool("json", false, "print the raw page as JSON")
}

// --- templates ---

var templatesCmd = &cobra.Command{
	Use:   "templates <video_mode>",
	Short: "Recommend official templates for a generation mode",
	Long:  "Recommend official templates for a generation mode.\n\nModes: " + modeNames(),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		mobile, _ := cmd.Flags().GetBool("mobile")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.videos.RecommendTemplates(cmd.Context(), nolang.RecommendQuery{
			Mode:           nolang.GenerationMode(args[0]),
			Query:          query,
			IsMobileFormat: mobile,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(rec.Templates) == 0 {
			fmt.Fprintln(out, "No templates found.")
			return nil
		}
		for _, t := range rec.Templates {
			fmt.Fprintf(out, "%s  %s\n", colorize(colorCyan, t.TemplateVideoID.String()), t.Title)
			if t.Description != "" {
				fmt.Fprintf(out, "  %s\n", truncate(t.Description, 100))
			}
		}
		return nil
	},
}

func init() {
	templatesCmd.Flags().String("query", "", "free-text search within the mode")
	templatesCmd.Flags().Bool("mobile", false, "only vertical (mobile) formats")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs [video_id]",
	Short: "List jobs recorded in the local journal, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		var videoID uuid.UUID
		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid video ID %q: %w", args[0], err)
			}
			videoID = id
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if videoID != uuid.Nil {
			j, err := a.videos.Job(videoID)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no journal entry for video %s", videoID)
			}
			if err != nil {
				return err
			}
			printJob(out, j)
			return nil
		}

		jobs, err := a.videos.RecentJobs(status, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs recorded.")
			return nil
		}
		for _, j := range jobs {
			printJob(out, j)
		}
		return nil
	},
}

func printJob(out io.Writer, j storage.Job) {
	fmt.Fprintf(out, "%s  %s  %-9s  %s\n",
		colorize(colorCyan, j.VideoID),
		j.CreatedAt.Local().Format(time.DateTime),
		j.Status,
		orDash(j.Mode),
	)
	if j.DownloadURL != "" {
		fmt.Fprintf(out, "  %s\n", j.DownloadURL)
	}
	if j.LastError != "" {
		fmt.Fprintf(out, "  %s\n", colorize(colorRed, j.LastError))
	}
}

func init() {
	jobsCmd.Flags().String("status", "", "only jobs with this status (submitted, completed, failed, expired, timeout)")
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check configuration, API access and the local HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStatus("API", "%s", a.cfg.API.BaseURL)
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if p, err := a.videos.ListSettings(ctx, 1); err != nil {
			printStatus("API access", "%s", colorize(colorRed, "failed: "+err.Error()))
		} else {
			printStatus("API access", "ok (%d video settings)", p.TotalCount)
		}

		healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", a.cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}
		if resp, err := client.Get(healthURL); err != nil {
			printStatus("HTTP server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				printStatus("HTTP server", "running on port %d", a.cfg.Server.Port)
			} else {
				printStatus("HTTP server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		if a.store != nil {
			jobs, err := a.videos.RecentJobs("", 100)
			if err == nil {
				printStatus("Journal", "%s recent jobs", countLabel(len(jobs), 100))
			}
		} else {
			printStatus("Journal", "disabled")
		}
		printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
		return nil
	},
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nKeys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := setConfigKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

// setConfigKey is replaced in tests.
var setConfigKey = config.SetKey

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func modeNames() string {
	names := make([]string, 0, len(nolang.Modes()))
	for _, m := range nolang.Modes() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}
