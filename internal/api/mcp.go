package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/team-tissis/nolang-mcp/internal/metrics"
	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/poll"
	"github.com/team-tissis/nolang-mcp/internal/storage"
	"github.com/team-tissis/nolang-mcp/internal/video"
)

// VideoService is the video workflow the tools drive.
type VideoService interface {
	Generate(ctx context.Context, in nolang.GenerateInput) (video.Submission, error)
	GenerateFromTemplate(ctx context.Context, templateVideoID uuid.UUID, in nolang.GenerateInput) (video.Submission, error)
	Wait(ctx context.Context, videoID uuid.UUID, opts poll.Options) (nolang.VideoStatus, error)
	ListVideos(ctx context.Context, page int) (nolang.VideoPage, error)
	ListSettings(ctx context.Context, page int) (nolang.SettingPage, error)
	RecommendTemplates(ctx context.Context, q nolang.RecommendQuery) (nolang.TemplateRecommendation, error)
	RecentJobs(status string, limit int) ([]storage.Job, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Videos VideoService
	// Wait defaults for calls that omit check_interval or max_wait_time.
	PollInterval time.Duration
	PollMaxWait  time.Duration
	Logger       *slog.Logger
}

const (
	recentJobsURI   = "nolang://jobs/recent"
	recentJobsLimit = 20
)

var modeList = func() string {
	names := make([]string, 0, len(nolang.Modes()))
	for _, m := range nolang.Modes() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}()

// NewMCPServer creates an MCP server with all NoLang tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := server.NewMCPServer(
		"nolang-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("Generate and manage NoLang video generation jobs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_video_with_setting",
			append([]mcp.ToolOption{
				mcp.WithDescription("Consumes paid credits. Start video generation using your VideoSetting ID. Provide text, pdf_path, pptx_path, audio_path, video_path, or image_paths as required."),
				mcp.WithString("video_setting_id", mcp.Description("VideoSetting ID (UUID)"), mcp.Required()),
			}, sourceOptions()...)...,
		),
		instrument("generate_video_with_setting", mcpGenerateWithSetting(deps)),
	)

	s.AddTool(
		mcp.NewTool("generate_video_with_template",
			append([]mcp.ToolOption{
				mcp.WithDescription("Consumes paid credits. Start video generation using an official template Video ID. Provide text, pdf_path, pptx_path, audio_path, video_path, or image_paths as required."),
				mcp.WithString("video_id", mcp.Description("Template video ID (UUID), see recommend_templates"), mcp.Required()),
			}, sourceOptions()...)...,
		),
		instrument("generate_video_with_template", mcpGenerateWithTemplate(deps)),
	)

	s.AddTool(
		mcp.NewTool("wait_video_generation_and_get_download_url",
			mcp.WithDescription("Polls until video generation completes and returns the download URL."),
			mcp.WithString("video_id", mcp.Description("Video ID returned by a generate tool"), mcp.Required()),
			mcp.WithNumber("max_wait_time", mcp.Description("Maximum seconds to wait (1-3600, default 600)")),
			mcp.WithNumber("check_interval", mcp.Description("Seconds between status checks (1-60, default 10)")),
		),
		instrument("wait_video_generation_and_get_download_url", mcpWait(deps)),
	)

	s.AddTool(
		mcp.NewTool("list_generated_videos",
			mcp.WithDescription("Return a paginated list of videos you have generated."),
			mcp.WithNumber("page", mcp.Description("Page number to retrieve (default 1)")),
		),
		instrument("list_generated_videos", mcpListVideos(deps)),
	)

	s.AddTool(
		mcp.NewTool("list_video_settings",
			mcp.WithDescription("Return a paginated list of your VideoSettings."),
			mcp.WithNumber("page", mcp.Description("Page number to retrieve (default 1)")),
		),
		instrument("list_video_settings", mcpListSettings(deps)),
	)

	s.AddTool(
		mcp.NewTool("recommend_templates",
			mcp.WithDescription("Recommend official templates based on video mode and optional query."),
			mcp.WithString("video_mode", mcp.Description("One of: "+modeList), mcp.Required()),
			mcp.WithString("query", mcp.Description("Free-text description of the video you want")),
			mcp.WithBoolean("is_mobile_format", mcp.Description("Prefer vertical templates for mobile")),
		),
		instrument("recommend_templates", mcpRecommendTemplates(deps)),
	)

	s.AddResource(
		mcp.NewResource(
			recentJobsURI,
			"Recent Jobs",
			mcp.WithResourceDescription("Generation jobs submitted through this server, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

func sourceOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("text", mcp.Description("Text prompt for query_* modes or slideshow_analysis")),
		mcp.WithString("pdf_path", mcp.Description("Local PDF path for slideshow_* modes")),
		mcp.WithString("pptx_path", mcp.Description("Local PPTX path for slideshow_* modes")),
		mcp.WithString("audio_path", mcp.Description("Local audio path (mp3, wav, m4a, aac) for audio_speech")),
		mcp.WithString("video_path", mcp.Description("Local video path for audio_video")),
		mcp.WithString("image_paths", mcp.Description("Comma-separated local image paths for query_* modes (max 10)")),
		mcp.WithString("video_mode", mcp.Description("Optional mode the inputs are checked against. One of: "+modeList)),
	}
}

// instrument counts tool calls by outcome.
func instrument(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := h(ctx, req)
		ok := err == nil && res != nil && !res.IsError
		metrics.ToolCallsTotal.WithLabelValues(name, strconv.FormatBool(ok)).Inc()
		return res, err
	}
}

type sourceArgs struct {
	VideoMode  string `json:"video_mode" validate:"omitempty,oneof=query_simple query_script slideshow_presentation slideshow_summary slideshow_analysis audio_speech audio_video"`
	ImageCount int    `json:"image_paths" validate:"max=10"`
}

// generateInput reads the source arguments shared by both generate tools.
func generateInput(req mcp.CallToolRequest) (nolang.GenerateInput, error) {
	in := nolang.GenerateInput{
		Text:       req.GetString("text", ""),
		PDFPath:    strings.TrimSpace(req.GetString("pdf_path", "")),
		PPTXPath:   strings.TrimSpace(req.GetString("pptx_path", "")),
		AudioPath:  strings.TrimSpace(req.GetString("audio_path", "")),
		VideoPath:  strings.TrimSpace(req.GetString("video_path", "")),
		ImagePaths: imagePaths(req),
		Mode:       nolang.GenerationMode(req.GetString("video_mode", "")),
	}
	err := checkArgs(sourceArgs{VideoMode: string(in.Mode), ImageCount: len(in.ImagePaths)})
	return in, err
}

// imagePaths accepts a comma-separated string or a JSON array.
func imagePaths(req mcp.CallToolRequest) []string {
	var raw []string
	switch v := req.GetArguments()["image_paths"].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		raw = req.GetStringSlice("image_paths", nil)
	}
	var paths []string
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

type generationResult struct {
	VideoID           string  `json:"video_id"`
	EstimatedWaitTime float64 `json:"estimated_wait_time,omitempty"`
	Mode              string  `json:"video_mode,omitempty"`
	Source            string  `json:"source"`
}

func submissionResult(sub video.Submission) *mcp.CallToolResult {
	return mcpJSON(generationResult{
		VideoID:           sub.Job.VideoID.String(),
		EstimatedWaitTime: sub.Job.EstimatedWaitTime,
		Mode:              string(sub.Mode),
		Source:            string(sub.Source),
	})
}

type settingArgs struct {
	VideoSettingID string `json:"video_setting_id" validate:"required,uuid"`
}

func mcpGenerateWithSetting(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := settingArgs{VideoSettingID: strings.TrimSpace(req.GetString("video_setting_id", ""))}
		if err := checkArgs(args); err != nil {
			return mcpError(err.Error()), nil
		}
		in, err := generateInput(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		in.Setting = nolang.SettingRef{ID: args.VideoSettingID}

		sub, err := deps.Videos.Generate(ctx, in)
		if err != nil {
			deps.Logger.Warn("generate_video_with_setting failed", "error", err)
			return mcpError(DescribeError(err)), nil
		}
		return submissionResult(sub), nil
	}
}

type templateArgs struct {
	VideoID string `json:"video_id" validate:"required,uuid"`
}

func mcpGenerateWithTemplate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := templateArgs{VideoID: strings.TrimSpace(req.GetString("video_id", ""))}
		if err := checkArgs(args); err != nil {
			return mcpError(err.Error()), nil
		}
		in, err := generateInput(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		sub, err := deps.Videos.GenerateFromTemplate(ctx, uuid.MustParse(args.VideoID), in)
		if err != nil {
			deps.Logger.Warn("generate_video_with_template failed", "template", args.VideoID, "error", err)
			return mcpError(DescribeError(err)), nil
		}
		return submissionResult(sub), nil
	}
}

type waitArgs struct {
	VideoID       string `json:"video_id" validate:"required,uuid"`
	MaxWaitTime   int    `json:"max_wait_time" validate:"min=1,max=3600"`
	CheckInterval int    `json:"check_interval" validate:"min=1,max=60"`
}

type waitResult struct {
	VideoID     string `json:"video_id"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url,omitempty"`
}

func mcpWait(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := waitArgs{
			VideoID:       strings.TrimSpace(req.GetString("video_id", "")),
			MaxWaitTime:   req.GetInt("max_wait_time", seconds(deps.PollMaxWait, poll.DefaultMaxWait)),
			CheckInterval: req.GetInt("check_interval", seconds(deps.PollInterval, poll.DefaultInterval)),
		}
		if err := checkArgs(args); err != nil {
			return mcpError(err.Error()), nil
		}

		videoID := uuid.MustParse(args.VideoID)
		opts := poll.Options{
			MaxWait:    time.Duration(args.MaxWaitTime) * time.Second,
			Interval:   time.Duration(args.CheckInterval) * time.Second,
			OnProgress: progressReporter(ctx, req, deps.Logger),
		}

		st, err := deps.Videos.Wait(ctx, videoID, opts)
		if err != nil {
			return mcpError(DescribeError(err)), nil
		}
		return mcpJSON(waitResult{
			VideoID:     videoID.String(),
			Status:      string(st.Status),
			DownloadURL: st.DownloadURL,
		}), nil
	}
}

func seconds(d, fallback time.Duration) int {
	if d <= 0 {
		d = fallback
	}
	return int(d / time.Second)
}

// progressReporter sends MCP progress notifications when the client asked
// for them with a progress token.
func progressReporter(ctx context.Context, req mcp.CallToolRequest, logger *slog.Logger) func(poll.Progress) {
	if req.Params.Meta == nil || req.Params.Meta.ProgressToken == nil {
		return nil
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return nil
	}
	token := req.Params.Meta.ProgressToken
	return func(p poll.Progress) {
		err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      p.Elapsed.Seconds(),
			"total":         p.MaxWait.Seconds(),
			"message":       fmt.Sprintf("video %s still rendering (%d checks)", p.VideoID, p.Polls),
		})
		if err != nil {
			logger.Debug("progress notification failed", "error", err)
		}
	}
}

type pageArgs struct {
	Page int `json:"page" validate:"min=1"`
}

type videoSummary struct {
	VideoID   string `json:"video_id"`
	CreatedAt string `json:"created_at"`
	Prompt    string `json:"prompt"`
}

type listVideosResult struct {
	TotalVideos int            `json:"total_videos"`
	Page        int            `json:"page"`
	HasNext     bool           `json:"has_next"`
	Videos      []videoSummary `json:"videos"`
}

func mcpListVideos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := pageArgs{Page: req.GetInt("page", 1)}
		if err := checkArgs(args); err != nil {
			return mcpError(err.Error()), nil
		}

		p, err := deps.Videos.ListVideos(ctx, args.Page)
		if err != nil {
			return mcpError(DescribeError(err)), nil
		}

		total := p.TotalCount
		if total == 0 {
			total = p.Count
		}
		out := listVideosResult{
			TotalVideos: total,
			Page:        args.Page,
			HasNext:     p.HasNext || p.Next != nil,
			Videos:      make([]videoSummary, 0, len(p.Results)),
		}
		for _, v := range p.Results {
			out.Videos = append(out.Videos, videoSummary{
				VideoID:   v.VideoID.String(),
				CreatedAt: v.CreatedAt.Format(time.RFC3339),
				Prompt:    v.Prompt,
			})
		}
		return mcpJSON(out), nil
	}
}

type settingSummary struct {
	VideoSettingID string         `json:"video_setting_id"`
	Title          string         `json:"title"`
	UpdatedAt      string         `json:"updated_at"`
	RequiredFields map[string]any `json:"required_fields"`
}

type listSettingsResult struct {
	TotalSettings int              `json:"total_settings"`
	Page          int              `json:"page"`
	HasNext       bool             `json:"has_next"`
	Settings      []settingSummary `json:"settings"`
}

func mcpListSettings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := pageArgs{Page: req.GetInt("page", 1)}
		if err := checkArgs(args); err != nil {
			return mcpError(err.Error()), nil
		}

		p, err := deps.Videos.ListSettings(ctx, args.Page)
		if err != nil {
			return mcpError(DescribeError(err)), nil
		}

		out := listSettingsResult{
			TotalSettings: p.TotalCount,
			Page:          args.Page,
			HasNext:       p.HasNext,
			Settings:      make([]settingSummary, 0, len(p.Results)),
		}
		for _, s := range p.Results {
			fields := s.RequestFields
			if fields == nil {
				fields = map[string]any{}
			}
			out.Settings = append(out.Settings, settingSummary{
				VideoSettingID: s.VideoSettingID.String(),
				Title:          s.Title,
				UpdatedAt:      s.UpdatedAt.Format(time.RFC3339),
				RequiredFields: fields,
			})
		}
		return mcpJSON(out), nil
	}
}

type recommendArgs struct {
	VideoMode string `json:"video_mode" validate:"required,oneof=query_simple query_script slideshow_presentation slideshow_summary slideshow_analysis audio_speech audio_video"`
	Query     string `json:"query" validate:"max=1000"`
}

type templateSummary struct {
	TemplateVideoID string `json:"template_video_id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
}

func mcpRecommendTemplates(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := recommendArgs{
			VideoMode: strings.TrimSpace(req.GetString("video_mode", "")),
			Query:     strings.TrimSpace(req.GetString("query", "")),
		}
		if err := checkArgs(args); err != nil {
			return mcpError(err.Error()), nil
		}

		rec, err := deps.Videos.RecommendTemplates(ctx, nolang.RecommendQuery{
			Mode:           nolang.GenerationMode(args.VideoMode),
			Query:          args.Query,
			IsMobileFormat: req.GetBool("is_mobile_format", false),
		})
		if err != nil {
			return mcpError(DescribeError(err)), nil
		}

		out := struct {
			Templates []templateSummary `json:"templates"`
		}{Templates: make([]templateSummary, 0, len(rec.Templates))}
		for _, t := range rec.Templates {
			out.Templates = append(out.Templates, templateSummary{
				TemplateVideoID: t.TemplateVideoID.String(),
				Title:           t.Title,
				Description:     t.Description,
			})
		}
		return mcpJSON(out), nil
	}
}

type jobSummary struct {
	VideoID     string `json:"video_id"`
	Status      string `json:"status"`
	Mode        string `json:"video_mode,omitempty"`
	Source      string `json:"source,omitempty"`
	Setting     string `json:"setting,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func mcpResourceRecentJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Videos.RecentJobs("", recentJobsLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent jobs: %w", err)
		}

		summaries := summarizeJobs(jobs)

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func summarizeJobs(jobs []storage.Job) []jobSummary {
	summaries := make([]jobSummary, len(jobs))
	for i, j := range jobs {
		summaries[i] = jobSummary{
			VideoID:     j.VideoID,
			Status:      j.Status,
			Mode:        j.Mode,
			Source:      j.Source,
			Setting:     j.Setting,
			DownloadURL: j.DownloadURL,
			CreatedAt:   j.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
		}
	}
	return summaries
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
