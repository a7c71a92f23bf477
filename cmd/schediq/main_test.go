package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newPlanningServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var statusPatches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/teams", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"A","name":"Platform"}]`)
	})
	mux.HandleFunc("GET /api/team-members", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"id":"u1","name":"Ada","team_id":"A","is_active":true}]}`)
	})
	mux.HandleFunc("GET /api/modules", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"tasks":[{"id":"t1","title":"Launch","status":"PLANNING"}],"assignments":[]}`)
	})
	mux.HandleFunc("POST /api/tasks/t1/analyze", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"feasible":true,"estimated_delivery":"2024-06-01"}`)
	})
	mux.HandleFunc("PATCH /api/tasks/t1/status", func(w http.ResponseWriter, _ *http.Request) {
		statusPatches.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &statusPatches
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSyncThenShowReadsMirror(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHEDIQ_CONFIG", "")
	server, _ := newPlanningServer(t)
	common := []string{"--base-url", server.URL + "/api", "--mirror", "file://mirror"}

	out, err := runCLI(t, append([]string{"sync"}, common...)...)
	if err != nil {
		t.Fatalf("sync: %v (%s)", err, out)
	}
	if !strings.Contains(out, `"syncing": false`) {
		t.Fatalf("unexpected sync output %s", out)
	}

	server.Close()
	out, err = runCLI(t, append([]string{"show", "personnel"}, common...)...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, `"Ada"`) {
		t.Fatalf("expected mirrored member in output, got %s", out)
	}

	out, err = runCLI(t, append([]string{"show", "overview"}, common...)...)
	if err != nil || !strings.Contains(out, `"active_members": 1`) {
		t.Fatalf("unexpected overview %s %v", out, err)
	}
}

func TestStatusCommandRejectsCommitted(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHEDIQ_CONFIG", "")
	server, patches := newPlanningServer(t)
	common := []string{"--base-url", server.URL + "/api", "--mirror", "memory://"}

	if _, err := runCLI(t, append([]string{"status", "t1", "COMMITTED"}, common...)...); err == nil {
		t.Fatalf("expected COMMITTED to be rejected")
	}
	if patches.Load() != 0 {
		t.Fatalf("rejected status must not reach the API")
	}
	out, err := runCLI(t, append([]string{"status", "t1", "completed"}, common...)...)
	if err != nil || !strings.Contains(out, "t1 is now COMPLETED") {
		t.Fatalf("unexpected status output %q %v", out, err)
	}
	if patches.Load() != 1 {
		t.Fatalf("expected one status patch, got %d", patches.Load())
	}
}

func TestAnalyzePrintsRawResult(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHEDIQ_CONFIG", "")
	server, _ := newPlanningServer(t)
	out, err := runCLI(t, "analyze", "t1", "--base-url", server.URL+"/api", "--mirror", "memory://")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out, `"estimated_delivery"`) {
		t.Fatalf("unexpected analyze output %s", out)
	}
}

func TestUnknownMirrorSchemeFails(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHEDIQ_CONFIG", "")
	if _, err := runCLI(t, "show", "--mirror", "redis://localhost"); err == nil {
		t.Fatalf("expected unsupported mirror to fail")
	}
}
