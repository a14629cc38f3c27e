package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/team-tissis/nolang-mcp/internal/config"
	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/poll"
)

const (
	testSettingID  = "11111111-2222-3333-4444-555555555555"
	testTemplateID = "99999999-8888-7777-6666-555555555555"
	testVideoID    = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// fakeAPI stands in for the NoLang API. Routes are keyed by "METHOD /path".
type fakeAPI struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newFakeAPI(t *testing.T, routes map[string]http.HandlerFunc) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		f.mu.Unlock()

		if h, ok := routes[r.Method+" "+r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/json")
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"Not found."}`))
	}))

	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(body))
	}
}

// respondSeq answers with bodies in order, repeating the last one.
func respondSeq(bodies ...string) http.HandlerFunc {
	var mu sync.Mutex
	n := 0
	return func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		body := bodies[min(n, len(bodies)-1)]
		n++
		mu.Unlock()
		w.Write([]byte(body))
	}
}

// useConfig points the commands at baseURL with fast retries and a journal
// in a temp dir.
func useConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg := config.Config{
		API: config.APIConfig{Key: "test-key", BaseURL: baseURL},
		Retry: config.RetryConfig{
			BaseDelay:         time.Millisecond,
			MaxAttempts:       2,
			CongestionDelay:   time.Millisecond,
			CongestionRetries: 1,
		},
		Poll:    config.PollConfig{Interval: 5 * time.Millisecond, MaxWait: 5 * time.Second},
		Storage: config.StorageConfig{DataDir: t.TempDir(), Journal: true},
		Log:     config.LogConfig{Level: "error"},
	}

	old := loadConfig
	loadConfig = func() (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = old })
	return cfg
}

// runCLI executes the root command and returns what it wrote to stdout.
// Flag values persist on the package-level commands, so they are reset first.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	oldColor := noColor
	noColor = true
	for _, c := range rootCmd.Commands() {
		resetFlags(c)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		noColor = oldColor
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestGenerateCommand_Setting(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"POST /videos/generate/": respond(`{"video_id":"` + testVideoID + `","estimated_wait_time":90}`),
	})
	useConfig(t, api.server.URL)

	out, err := runCLI(t, "generate", "--setting", testSettingID, "--text", "Explain photosynthesis", "--mode", "query_simple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != testVideoID {
		t.Errorf("stdout = %q, want the video ID", out)
	}

	reqs := api.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Auth != "Bearer test-key" {
		t.Errorf("auth = %q, want Bearer test-key", r.Auth)
	}
	if !strings.Contains(r.Body, "video_setting_id="+testSettingID) {
		t.Errorf("body = %q, missing video_setting_id", r.Body)
	}
	if !strings.Contains(r.Body, "text=Explain+photosynthesis") {
		t.Errorf("body = %q, missing text", r.Body)
	}

	out, err = runCLI(t, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out, testVideoID) || !strings.Contains(out, "submitted") || !strings.Contains(out, "query_simple") {
		t.Errorf("jobs output = %q, want the submitted job", out)
	}
}

func TestGenerateCommand_RequiresSettingOrTemplate(t *testing.T) {
	api := newFakeAPI(t, nil)
	useConfig(t, api.server.URL)

	if _, err := runCLI(t, "generate", "--text", "hello"); err == nil {
		t.Fatal("expected error without --setting or --template")
	}
	if _, err := runCLI(t, "generate", "--setting", testSettingID, "--template", testTemplateID, "--text", "hello"); err == nil {
		t.Fatal("expected error with both --setting and --template")
	}
	if n := len(api.recorded()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestGenerateCommand_ValidatesBeforeSending(t *testing.T) {
	api := newFakeAPI(t, nil)
	useConfig(t, api.server.URL)

	tests := []struct {
		name string
		args []string
	}{
		{"bad setting id", []string{"--setting", "not-a-uuid", "--text", "hello"}},
		{"mode mismatch", []string{"--setting", testSettingID, "--text", "hello", "--mode", "audio_speech"}},
		{"missing file", []string{"--setting", testSettingID, "--audio", "/does/not/exist.mp3"}},
		{"no input", []string{"--setting", testSettingID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, append([]string{"generate"}, tt.args...)...)
			var ve *nolang.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("err = %v, want *nolang.ValidationError", err)
			}
		})
	}
	if n := len(api.recorded()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestGenerateCommand_BadTemplateID(t *testing.T) {
	api := newFakeAPI(t, nil)
	useConfig(t, api.server.URL)

	_, err := runCLI(t, "generate", "--template", "nope", "--text", "hello")
	if err == nil || !strings.Contains(err.Error(), "--template") {
		t.Errorf("err = %v, want invalid --template", err)
	}
}

func TestGenerateCommand_TemplateAndWait(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /unstable/video-settings/" + testTemplateID + "/": respond(`{"video_mode":"query_simple","voice":"alloy"}`),
		"POST /unstable/videos/generate/":                       respond(`{"video_id":"` + testVideoID + `"}`),
		"GET /videos/" + testVideoID + "/": respondSeq(
			`{"video_id":"`+testVideoID+`","status":"running"}`,
			`{"video_id":"`+testVideoID+`","status":"completed","download_url":"https://cdn.example.com/v.mp4"}`,
		),
	})
	useConfig(t, api.server.URL)

	out, err := runCLI(t, "generate", "--template", testTemplateID, "--text", "hello", "--wait")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "https://cdn.example.com/v.mp4" {
		t.Errorf("stdout = %q, want the download URL", out)
	}

	reqs := api.recorded()
	if len(reqs) != 4 {
		t.Fatalf("expected 4 requests (setting, generate, 2 polls), got %d: %+v", len(reqs), reqs)
	}
	if !strings.Contains(reqs[1].Body, "setting=") {
		t.Errorf("generate body = %q, want a setting document", reqs[1].Body)
	}

	out, err = runCLI(t, "jobs", "--status", "completed")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out, "https://cdn.example.com/v.mp4") {
		t.Errorf("jobs output = %q, want the completed job with its URL", out)
	}
}

func TestWaitCommand_Failed(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /videos/" + testVideoID + "/": respond(`{"video_id":"` + testVideoID + `","status":"failed"}`),
	})
	useConfig(t, api.server.URL)

	out, err := runCLI(t, "wait", testVideoID)
	if !errors.Is(err, poll.ErrJobFailed) {
		t.Fatalf("err = %v, want ErrJobFailed", err)
	}
	if out != "" {
		t.Errorf("stdout = %q, want nothing", out)
	}
}

func TestWaitCommand_Timeout(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /videos/" + testVideoID + "/": respond(`{"video_id":"` + testVideoID + `","status":"running"}`),
	})
	useConfig(t, api.server.URL)

	_, err := runCLI(t, "wait", testVideoID, "--interval", "10ms", "--max-wait", "30ms")
	if !errors.Is(err, poll.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWaitCommand_InvalidID(t *testing.T) {
	api := newFakeAPI(t, nil)
	useConfig(t, api.server.URL)

	if _, err := runCLI(t, "wait", "123"); err == nil {
		t.Fatal("expected error for a non-UUID video ID")
	}
	if n := len(api.recorded()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestVideosCommand(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /videos/": respond(`{"results":[{"video_id":"` + testVideoID + `","created_at":"2025-01-02T03:04:05Z","prompt":"Explain photosynthesis","status":"completed"}],"count":11,"next":"https://api/videos/?page=3","previous":null}`),
	})
	useConfig(t, api.server.URL)

	out, err := runCLI(t, "videos", "--page", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, testVideoID) || !strings.Contains(out, "Explain photosynthesis") {
		t.Errorf("output = %q, want the video row", out)
	}
	if reqs := api.recorded(); len(reqs) != 1 || reqs[0].Path != "/videos/?page=2" {
		t.Errorf("requests = %+v, want GET /videos/?page=2", reqs)
	}
}

func TestVideosCommand_JSON(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /videos/": respond(`{"results":[],"count":0,"next":null,"previous":null}`),
	})
	useConfig(t, api.server.URL)

	out, err := runCLI(t, "videos", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"results": []`) {
		t.Errorf("output = %q, want indented JSON", out)
	}
}

func TestVideosCommand_BadPage(t *testing.T) {
	api := newFakeAPI(t, nil)
	useConfig(t, api.server.URL)

	_, err := runCLI(t, "videos", "--page", "0")
	var ve *nolang.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want *nolang.ValidationError", err)
	}
}

func TestSettingsCommand(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /video-settings/": respond(`{"results":[{"video_setting_id":"` + testSettingID + `","title":"Weekly digest","created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-02T00:00:00Z"}],"has_next":false,"total_count":1,"page":1,"items_per_page":10}`),
	})
	useConfig(t, api.server.URL)

	out, err := runCLI(t, "settings")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, testSettingID) || !strings.Contains(out, "Weekly digest") {
		t.Errorf("output = %q, want the setting row", out)
	}
}

func TestTemplatesCommand(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /unstable/template/recommend/": respond(`{"templates":[{"template_video_id":"` + testTemplateID + `","title":"Podcast clip","description":"Speaker with captions"}]}`),
	})
	useConfig(t, api.server.URL)

	out, err := runCLI(t, "templates", "audio_speech", "--query", "podcast", "--mobile")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, testTemplateID) || !strings.Contains(out, "Speaker with captions") {
		t.Errorf("output = %q, want the template", out)
	}

	reqs := api.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	for _, want := range []string{"video_mode=audio_speech", "query=podcast", "is_mobile_format=true"} {
		if !strings.Contains(reqs[0].Path, want) {
			t.Errorf("path = %q, missing %s", reqs[0].Path, want)
		}
	}
}

func TestTemplatesCommand_UnknownMode(t *testing.T) {
	api := newFakeAPI(t, nil)
	useConfig(t, api.server.URL)

	if _, err := runCLI(t, "templates", "karaoke"); err == nil {
		t.Fatal("expected error for an unknown mode")
	}
	if n := len(api.recorded()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestJobsCommand_JournalDisabled(t *testing.T) {
	api := newFakeAPI(t, nil)
	cfg := useConfig(t, api.server.URL)
	cfg.Storage.Journal = false
	loadConfig = func() (config.Config, error) { return cfg, nil }

	if _, err := runCLI(t, "jobs"); err == nil {
		t.Fatal("expected error with the journal disabled")
	}
}

func TestJobsCommand_SingleJob(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"POST /videos/generate/": respond(`{"video_id":"` + testVideoID + `","estimated_wait_time":42.5}`),
	})
	useConfig(t, api.server.URL)

	if _, err := runCLI(t, "jobs", testVideoID); err == nil || !strings.Contains(err.Error(), "no journal entry") {
		t.Fatalf("err = %v, want a missing journal entry error", err)
	}

	if _, err := runCLI(t, "generate", "--setting", testSettingID, "--text", "hello"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	out, err := runCLI(t, "jobs", testVideoID)
	if err != nil {
		t.Fatalf("jobs %s: %v", testVideoID, err)
	}
	if !strings.Contains(out, testVideoID) || !strings.Contains(out, "submitted") {
		t.Errorf("output = %q, want the submitted job", out)
	}

	if _, err := runCLI(t, "jobs", "not-a-uuid"); err == nil {
		t.Error("expected error for a malformed video ID")
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /video-settings/": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"code":"permission_denied","message":"Invalid API key"}`))
		},
	})
	useConfig(t, api.server.URL)

	_, err := runCLI(t, "settings")
	var ae *nolang.APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusForbidden {
		t.Fatalf("err = %v, want a 403 APIError", err)
	}
	if n := len(api.recorded()); n != 1 {
		t.Errorf("expected 1 request (4xx is not retried), got %d", n)
	}
}

func TestConfigShow(t *testing.T) {
	cfg := useConfig(t, "https://api.example.com/v1")
	cfg.API.Key = "nl_live_abcdef123456"
	loadConfig = func() (config.Config, error) { return cfg, nil }

	out, err := runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "nl_live_abcdef123456") {
		t.Error("config show leaked the API key")
	}
	if !strings.Contains(out, "api.base_url = https://api.example.com/v1") {
		t.Errorf("output = %q, want api.base_url", out)
	}
	if !strings.Contains(out, "NOLANG_API_KEY") {
		t.Errorf("output = %q, want env var names", out)
	}
}

func TestConfigSet(t *testing.T) {
	var gotKey, gotValue string
	old := setConfigKey
	setConfigKey = func(key, value string) error {
		gotKey, gotValue = key, value
		return nil
	}
	t.Cleanup(func() { setConfigKey = old })

	if _, err := runCLI(t, "config", "set", "poll.interval", "15s"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "poll.interval" || gotValue != "15s" {
		t.Errorf("set %q=%q, want poll.interval=15s", gotKey, gotValue)
	}

	if _, err := runCLI(t, "config", "set", "poll.interval"); err == nil {
		t.Error("expected error with a missing value")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, ln, newLogger("error")) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   false,
		"10.0.0.5":  false,
	}
	for host, want := range tests {
		if got := isLoopback(host); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorRed, "hello"); got != "hello" {
		t.Errorf("colorize with noColor=true = %q, want plain text", got)
	}

	noColor = false
	if got := colorize(colorRed, "hello"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short  ", 10); got != "short" {
		t.Errorf("truncate = %q, want short", got)
	}
	if got := truncate("日本語のテキストです", 3); got != "日本語..." {
		t.Errorf("truncate = %q, want rune-safe cut", got)
	}
}

func TestStatusCommand(t *testing.T) {
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		"GET /video-settings/": respond(`{"results":[],"has_next":false,"total_count":3,"page":1,"items_per_page":10}`),
	})
	useConfig(t, api.server.URL)

	if _, err := runCLI(t, "status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := api.recorded()
	if len(reqs) != 1 || reqs[0].Path != "/video-settings/?page=1" {
		t.Errorf("requests = %+v, want one settings probe", reqs)
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(5, 100); got != "5" {
		t.Errorf("countLabel(5) = %q", got)
	}
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("countLabel(100) = %q", got)
	}
}
