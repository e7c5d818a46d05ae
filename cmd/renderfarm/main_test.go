package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"renderfarm/internal/marketplace"
	"renderfarm/internal/models"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(buf.String(), "renderfarm dev") {
		t.Errorf("expected output to contain 'renderfarm dev', got: %s", buf.String())
	}
}

func TestRootCmdHasSubcommands(t *testing.T) {
	cmd := newRootCmd()
	want := map[string]bool{"run": false, "offers": false, "status": false, "purge": false, "teardown": false, "auth": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRunRequiresManifest(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"run"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without a manifest argument")
	}
}

func TestPurgeRequiresConfirmation(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"purge"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected confirmation error, got %v", err)
	}
}

func TestOffersRejectsBadQueryBeforeSearching(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()
	t.Setenv("MARKETPLACE_URL", srv.URL)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"offers", "--query", "gpu_ram >= "})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected query syntax error")
	}
	if hits != 0 {
		t.Errorf("marketplace was called %d times", hits)
	}
}

func TestOffersPrintsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"offers":[
			{"id":2,"dph_total":0.30,"gpu_ram":24576,"total_flops":80.5,"rentable":true,"gpu_name":"RTX 4090","num_gpus":1},
			{"id":1,"dph_total":0.20,"gpu_ram":16384,"total_flops":40,"rentable":true,"gpu_name":"RTX 4080","num_gpus":2}
		]}`))
	}))
	defer srv.Close()
	t.Setenv("MARKETPLACE_URL", srv.URL)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"offers", "--max-price", "0.5"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("offers failed: %v", err)
	}
	out := buf.String()
	if strings.Index(out, "RTX 4080") > strings.Index(out, "RTX 4090") {
		t.Errorf("expected cheapest offer first:\n%s", out)
	}
	if !strings.Contains(out, "2x RTX 4080") || !strings.Contains(out, "24 GiB") {
		t.Errorf("unexpected table:\n%s", out)
	}
}

func TestFormatOffersLimit(t *testing.T) {
	offers := []marketplace.Offer{{ID: 1}, {ID: 2}, {ID: 3}}
	out := formatOffers(offers, 2)
	if !strings.Contains(out, "... 1 more") {
		t.Errorf("expected truncation note, got:\n%s", out)
	}
}

func TestWriteStatus(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	counts := models.NewCounts()
	counts[models.StatusQueued] = 1200
	jobs := []models.Job{
		{ID: "job_a", Total: 3, Done: 3, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "job_b", Total: 5, Done: 1, CreatedAt: now.Add(-time.Minute)},
	}

	var buf bytes.Buffer
	writeStatus(&buf, "farm", counts, 1200, jobs, now)
	out := buf.String()

	for _, want := range []string{"namespace farm", "QUEUED:1200", "1,200 waiting", "job_a", "finished", "running", "2 hours ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOAuthCallback(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  bool
	}{
		{"ok", "?state=s1&code=abc", "abc", false},
		{"bad state", "?state=other&code=abc", "", true},
		{"denied", "?state=s1&error=access_denied", "", true},
		{"no code", "?state=s1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codeCh := make(chan string, 1)
			errCh := make(chan error, 1)
			h := oauthCallback("s1", codeCh, errCh)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback"+tt.query, nil))

			select {
			case code := <-codeCh:
				if tt.wantErr || code != tt.wantCode {
					t.Errorf("got code %q, wantErr %v", code, tt.wantErr)
				}
			case err := <-errCh:
				if !tt.wantErr {
					t.Errorf("unexpected error %v", err)
				}
			default:
				t.Fatal("callback produced nothing")
			}
		})
	}
}
