package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/poll"
	"github.com/team-tissis/nolang-mcp/internal/retry"
	"github.com/team-tissis/nolang-mcp/internal/storage"
	"github.com/team-tissis/nolang-mcp/internal/video"
)

const (
	testSettingID = "123e4567-e89b-12d3-a456-426614174000"
	testVideoID   = "550e8400-e29b-41d4-a716-446655440000"
)

// --- mocks ---

type mockVideos struct {
	mu sync.Mutex

	genIn      nolang.GenerateInput
	templateID uuid.UUID
	genErr     error
	calls      int

	waitOpts   poll.Options
	waitStatus nolang.VideoStatus
	waitErr    error

	videoPage   nolang.VideoPage
	settingPage nolang.SettingPage
	listPage    int
	listErr     error

	recQuery nolang.RecommendQuery
	rec      nolang.TemplateRecommendation

	jobs    []storage.Job
	jobsErr error
}

func (m *mockVideos) Generate(_ context.Context, in nolang.GenerateInput) (video.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.genIn = in
	if m.genErr != nil {
		return video.Submission{}, m.genErr
	}
	return video.Submission{
		Job:    nolang.GenerationJob{VideoID: uuid.MustParse(testVideoID), EstimatedWaitTime: 120},
		Mode:   in.Mode,
		Source: nolang.SourceText,
	}, nil
}

func (m *mockVideos) GenerateFromTemplate(ctx context.Context, id uuid.UUID, in nolang.GenerateInput) (video.Submission, error) {
	m.templateID = id
	return m.Generate(ctx, in)
}

func (m *mockVideos) Wait(_ context.Context, id uuid.UUID, opts poll.Options) (nolang.VideoStatus, error) {
	m.calls++
	m.waitOpts = opts
	return m.waitStatus, m.waitErr
}

func (m *mockVideos) ListVideos(_ context.Context, page int) (nolang.VideoPage, error) {
	m.calls++
	m.listPage = page
	return m.videoPage, m.listErr
}

func (m *mockVideos) ListSettings(_ context.Context, page int) (nolang.SettingPage, error) {
	m.calls++
	m.listPage = page
	return m.settingPage, m.listErr
}

func (m *mockVideos) RecommendTemplates(_ context.Context, q nolang.RecommendQuery) (nolang.TemplateRecommendation, error) {
	m.calls++
	m.recQuery = q
	return m.rec, nil
}

func (m *mockVideos) RecentJobs(status string, limit int) ([]storage.Job, error) {
	return m.jobs, m.jobsErr
}

// --- helpers ---

func newTestMCPDeps(videos *mockVideos) MCPDeps {
	return MCPDeps{
		Videos:       videos,
		PollInterval: 10 * time.Second,
		PollMaxWait:  600 * time.Second,
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// --- tests ---

func TestNewMCPServer_ListsTools(t *testing.T) {
	s := NewMCPServer(newTestMCPDeps(&mockVideos{}), "test")

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	for _, name := range []string{
		"generate_video_with_setting",
		"generate_video_with_template",
		"wait_video_generation_and_get_download_url",
		"list_generated_videos",
		"list_video_settings",
		"recommend_templates",
	} {
		if !strings.Contains(string(b), `"`+name+`"`) {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestMCPTool_GenerateWithSetting(t *testing.T) {
	videos := &mockVideos{}
	handler := mcpGenerateWithSetting(newTestMCPDeps(videos))

	result := callTool(t, handler, "generate_video_with_setting", map[string]interface{}{
		"video_setting_id": testSettingID,
		"text":             "explain black holes",
		"image_paths":      " /tmp/a.png, /tmp/b.png ,,",
		"video_mode":       "query_simple",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	if videos.genIn.Setting.ID != testSettingID {
		t.Errorf("Setting.ID = %q", videos.genIn.Setting.ID)
	}
	if got := videos.genIn.ImagePaths; len(got) != 2 || got[0] != "/tmp/a.png" || got[1] != "/tmp/b.png" {
		t.Errorf("ImagePaths = %q", got)
	}
	if videos.genIn.Mode != nolang.ModeQuerySimple {
		t.Errorf("Mode = %q", videos.genIn.Mode)
	}

	var out generationResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.VideoID != testVideoID || out.EstimatedWaitTime != 120 {
		t.Errorf("result = %+v", out)
	}
}

func TestMCPTool_GenerateWithSetting_ImageArray(t *testing.T) {
	videos := &mockVideos{}
	handler := mcpGenerateWithSetting(newTestMCPDeps(videos))

	result := callTool(t, handler, "generate_video_with_setting", map[string]interface{}{
		"video_setting_id": testSettingID,
		"text":             "x",
		"image_paths":      []interface{}{"/tmp/a.png", "/tmp/b.png"},
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if len(videos.genIn.ImagePaths) != 2 {
		t.Errorf("ImagePaths = %q", videos.genIn.ImagePaths)
	}
}

func TestMCPTool_GenerateWithSetting_BadArguments(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing setting", map[string]interface{}{"text": "x"}, "video_setting_id is required"},
		{"setting not uuid", map[string]interface{}{"video_setting_id": "abc", "text": "x"}, "video_setting_id must be a UUID"},
		{"unknown mode", map[string]interface{}{"video_setting_id": testSettingID, "text": "x", "video_mode": "karaoke"}, "video_mode must be one of"},
		{"too many images", map[string]interface{}{"video_setting_id": testSettingID, "text": "x", "image_paths": "1,2,3,4,5,6,7,8,9,10,11"}, "image_paths must be at most 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			videos := &mockVideos{}
			result := callTool(t, mcpGenerateWithSetting(newTestMCPDeps(videos)), "generate_video_with_setting", tt.args)
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want it to contain %q", text, tt.want)
			}
			if videos.calls != 0 {
				t.Error("service called despite invalid arguments")
			}
		})
	}
}

func TestMCPTool_GenerateWithSetting_APIError(t *testing.T) {
	videos := &mockVideos{genErr: &nolang.APIError{
		Status:  400,
		Code:    "invalid_setting",
		Message: "setting is archived",
		Class:   retry.ClientError,
	}}
	result := callTool(t, mcpGenerateWithSetting(newTestMCPDeps(videos)), "generate_video_with_setting", map[string]interface{}{
		"video_setting_id": testSettingID,
		"text":             "x",
	})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	want := "API Error 400\nCode   : invalid_setting\nMessage: setting is archived"
	if text := toolText(t, result); text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestMCPTool_GenerateWithTemplate(t *testing.T) {
	videos := &mockVideos{}
	templateID := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	result := callTool(t, mcpGenerateWithTemplate(newTestMCPDeps(videos)), "generate_video_with_template", map[string]interface{}{
		"video_id": templateID,
		"pdf_path": "/tmp/deck.pdf",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if videos.templateID.String() != templateID {
		t.Errorf("templateID = %s", videos.templateID)
	}
	if videos.genIn.PDFPath != "/tmp/deck.pdf" {
		t.Errorf("PDFPath = %q", videos.genIn.PDFPath)
	}
}

func TestMCPTool_Wait(t *testing.T) {
	videos := &mockVideos{waitStatus: nolang.VideoStatus{
		VideoID:     uuid.MustParse(testVideoID),
		Status:      nolang.StatusCompleted,
		DownloadURL: "https://storage.example.com/v.mp4",
	}}
	handler := mcpWait(newTestMCPDeps(videos))

	result := callTool(t, handler, "wait_video_generation_and_get_download_url", map[string]interface{}{
		"video_id": testVideoID,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if videos.waitOpts.MaxWait != 600*time.Second || videos.waitOpts.Interval != 10*time.Second {
		t.Errorf("opts = %+v, want defaults", videos.waitOpts)
	}
	if videos.waitOpts.OnProgress != nil {
		t.Error("progress reporting without a progress token")
	}

	var out waitResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Status != "completed" || out.DownloadURL != "https://storage.example.com/v.mp4" {
		t.Errorf("result = %+v", out)
	}

	callTool(t, handler, "wait_video_generation_and_get_download_url", map[string]interface{}{
		"video_id":       testVideoID,
		"max_wait_time":  float64(30),
		"check_interval": float64(5),
	})
	if videos.waitOpts.MaxWait != 30*time.Second || videos.waitOpts.Interval != 5*time.Second {
		t.Errorf("opts = %+v", videos.waitOpts)
	}
}

func TestMCPTool_Wait_Bounds(t *testing.T) {
	tests := []struct {
		args map[string]interface{}
		want string
	}{
		{map[string]interface{}{"video_id": testVideoID, "max_wait_time": float64(3601)}, "max_wait_time must be at most 3600"},
		{map[string]interface{}{"video_id": testVideoID, "max_wait_time": float64(0)}, "max_wait_time must be at least 1"},
		{map[string]interface{}{"video_id": testVideoID, "check_interval": float64(61)}, "check_interval must be at most 60"},
		{map[string]interface{}{"video_id": "nope"}, "video_id must be a UUID"},
	}
	for _, tt := range tests {
		videos := &mockVideos{}
		result := callTool(t, mcpWait(newTestMCPDeps(videos)), "wait_video_generation_and_get_download_url", tt.args)
		if !result.IsError || !strings.Contains(toolText(t, result), tt.want) {
			t.Errorf("args %v: result = %q, want error containing %q", tt.args, toolText(t, result), tt.want)
		}
		if videos.calls != 0 {
			t.Errorf("args %v: service called", tt.args)
		}
	}
}

func TestMCPTool_Wait_Failures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"failed", poll.ErrJobFailed, "video generation failed"},
		{"expired", poll.ErrJobExpired, "video generation expired"},
		{"timeout", poll.ErrTimeout, "call wait_video_generation_and_get_download_url again"},
		{"congested", &retry.ExhaustedError{
			Class:    retry.Congestion,
			Attempts: 2,
			Last:     &nolang.APIError{Status: 503, Code: "concurrent_generation_limit", Message: "busy", Class: retry.Congestion},
		}, "Wait a few minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			videos := &mockVideos{waitErr: tt.err}
			result := callTool(t, mcpWait(newTestMCPDeps(videos)), "wait_video_generation_and_get_download_url", map[string]interface{}{
				"video_id": testVideoID,
			})
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want it to contain %q", text, tt.want)
			}
		})
	}
}

func TestMCPTool_ListVideos(t *testing.T) {
	next := "https://api.no-lang.com/v1/videos/?page=3"
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	videos := &mockVideos{videoPage: nolang.VideoPage{
		Count:   42,
		Next:    &next,
		Results: []nolang.Video{{VideoID: uuid.MustParse(testVideoID), CreatedAt: created, Prompt: "hello"}},
	}}

	result := callTool(t, mcpListVideos(newTestMCPDeps(videos)), "list_generated_videos", map[string]interface{}{"page": float64(2)})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if videos.listPage != 2 {
		t.Errorf("page = %d, want 2", videos.listPage)
	}

	var out listVideosResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.TotalVideos != 42 || !out.HasNext || out.Page != 2 {
		t.Errorf("result = %+v", out)
	}
	if len(out.Videos) != 1 || out.Videos[0].CreatedAt != "2025-03-01T09:00:00Z" || out.Videos[0].Prompt != "hello" {
		t.Errorf("videos = %+v", out.Videos)
	}
}

func TestMCPTool_ListVideos_BadPage(t *testing.T) {
	videos := &mockVideos{}
	result := callTool(t, mcpListVideos(newTestMCPDeps(videos)), "list_generated_videos", map[string]interface{}{"page": float64(0)})
	if !result.IsError || !strings.Contains(toolText(t, result), "page must be at least 1") {
		t.Errorf("result = %q", toolText(t, result))
	}
	if videos.calls != 0 {
		t.Error("service called for page 0")
	}
}

func TestMCPTool_ListSettings(t *testing.T) {
	videos := &mockVideos{settingPage: nolang.SettingPage{
		TotalCount: 1,
		Results: []nolang.VideoSetting{{
			VideoSettingID: uuid.MustParse(testSettingID),
			Title:          "Explainer",
		}},
	}}

	result := callTool(t, mcpListSettings(newTestMCPDeps(videos)), "list_video_settings", map[string]interface{}{})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if videos.listPage != 1 {
		t.Errorf("page = %d, want default 1", videos.listPage)
	}
	text := toolText(t, result)
	if !strings.Contains(text, `"required_fields":{}`) {
		t.Errorf("missing request fields should render as an empty object: %s", text)
	}
}

func TestMCPTool_RecommendTemplates(t *testing.T) {
	videos := &mockVideos{rec: nolang.TemplateRecommendation{Templates: []nolang.Template{
		{TemplateVideoID: uuid.MustParse(testVideoID), Title: "Vertical news"},
	}}}
	handler := mcpRecommendTemplates(newTestMCPDeps(videos))

	result := callTool(t, handler, "recommend_templates", map[string]interface{}{
		"video_mode":       "audio_speech",
		"query":            "podcast clip",
		"is_mobile_format": true,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	q := videos.recQuery
	if q.Mode != nolang.ModeAudioSpeech || q.Query != "podcast clip" || !q.IsMobileFormat {
		t.Errorf("query = %+v", q)
	}
	if !strings.Contains(toolText(t, result), "Vertical news") {
		t.Errorf("text = %s", toolText(t, result))
	}

	result = callTool(t, handler, "recommend_templates", map[string]interface{}{"video_mode": "karaoke"})
	if !result.IsError {
		t.Error("expected error for unknown mode")
	}
}

func TestMCPResource_RecentJobs(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	videos := &mockVideos{jobs: []storage.Job{{
		VideoID:   testVideoID,
		Status:    "completed",
		Mode:      "query_simple",
		CreatedAt: created,
		UpdatedAt: created,
	}}}

	contents, err := mcpResourceRecentJobs(newTestMCPDeps(videos))(context.Background(), makeReadResourceRequest(recentJobsURI))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var jobs []jobSummary
	if err := json.Unmarshal([]byte(tc.Text), &jobs); err != nil {
		t.Fatalf("failed to parse resource: %v", err)
	}
	if len(jobs) != 1 || jobs[0].VideoID != testVideoID || jobs[0].CreatedAt != "2025-01-02T03:04:05Z" {
		t.Errorf("jobs = %+v", jobs)
	}

	videos.jobsErr = video.ErrNoJournal
	if _, err := mcpResourceRecentJobs(newTestMCPDeps(videos))(context.Background(), makeReadResourceRequest(recentJobsURI)); !errors.Is(err, video.ErrNoJournal) {
		t.Errorf("err = %v, want ErrNoJournal", err)
	}
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"validation",
			&nolang.ValidationError{Field: "pdf_path", Reason: "file not found"},
			"Validation error: invalid pdf_path: file not found",
		},
		{
			"api error without code",
			&nolang.APIError{Status: 404, Message: "Not Found", Class: retry.ClientError},
			"API Error 404\nCode   : -\nMessage: Not Found",
		},
		{
			"rate limited",
			&nolang.APIError{Status: 429, Code: "throttled", Message: "slow down", Class: retry.RateLimited},
			"API Error 429\nCode   : throttled\nMessage: slow down\nRate limited by the service. Wait before sending more requests.",
		},
		{
			"server errors exhausted",
			&retry.ExhaustedError{Class: retry.ServerError, Attempts: 3, Last: &nolang.APIError{Status: 502, Message: "bad gateway", Class: retry.ServerError}},
			"API Error 502\nCode   : -\nMessage: bad gateway\nGave up after 3 attempts.",
		},
		{
			"canceled",
			context.Canceled,
			"Request canceled.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DescribeError(tt.err); got != tt.want {
				t.Errorf("DescribeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
