package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/k2angel/watcher/pkg/archive"
	"github.com/k2angel/watcher/pkg/bus"
	"github.com/k2angel/watcher/pkg/metrics"
	"github.com/k2angel/watcher/pkg/resolver"
)

// fixture serves resolver responses under /<handle>/status/<id> and media
// bytes under /media/ from one TLS server.
type fixture struct {
	srv           *httptest.Server
	resolverCalls atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/media/"):
			if strings.Contains(r.URL.Path, "dead") {
				http.Error(w, "gone", http.StatusNotFound)
				return
			}
			w.Write([]byte("bytes of " + r.URL.Path))
		case strings.Contains(r.URL.Path, "/status/"):
			f.resolverCalls.Add(1)
			if strings.HasPrefix(r.URL.Path, "/broken/") {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			fmt.Fprintf(w, `{"mediaURLs":["%s/media/%s?format=jpg&name=orig","%s/media/clip%s.mp4"]}`, f.srv.URL, id, f.srv.URL, id)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) host() string { return f.srv.Listener.Addr().String() }

func (f *fixture) orchestrator(root string, shareLinks bool) *Orchestrator {
	return New(
		Options{Root: root, ShareLinks: shareLinks, ResolverHost: f.host()},
		archive.NewDownloader(archive.DownloadOptions{HTTPClient: f.srv.Client()}),
		archive.Stamper{},
		resolver.NewClient(resolver.Options{HTTPClient: f.srv.Client()}),
	)
}

var createdAt = time.Date(2023, 7, 4, 12, 0, 0, 0, time.UTC)

func assertArchived(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected %s: %v", path, err)
	}
	if !info.ModTime().Equal(createdAt) {
		t.Fatalf("%s mtime = %v, want %v", path, info.ModTime(), createdAt)
	}
}

func TestCaptureMessageAttachment(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()

	report := f.orchestrator(root, true).CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID:   "100",
		EventID:     "200",
		CreatedAt:   createdAt,
		Attachments: []bus.Attachment{{Name: "a.png", URL: f.srv.URL + "/media/a.png"}},
	})

	if report.Synced() != 1 || report.Failed() != 0 {
		t.Fatalf("synced=%d failed=%d, want 1/0: %v", report.Synced(), report.Failed(), report.Err())
	}
	path := filepath.Join(root, "100", "200", "a.png")
	assertArchived(t, path)
	got, _ := os.ReadFile(path)
	if string(got) != "bytes of /media/a.png" {
		t.Fatalf("content = %q", got)
	}
}

func TestCaptureMessageSnapshotsAndShareLinks(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()

	report := f.orchestrator(root, true).CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "1",
		EventID:   "2",
		CreatedAt: createdAt,
		Content:   "look https://x.com/someone/status/77 wow",
		Snapshots: [][]bus.Attachment{
			{{Name: "fwd.gif", URL: f.srv.URL + "/media/fwd.gif"}},
		},
	})

	if report.Synced() != 3 || report.Failed() != 0 {
		t.Fatalf("synced=%d failed=%d, want 3/0: %v", report.Synced(), report.Failed(), report.Err())
	}
	dir := filepath.Join(root, "1", "2")
	assertArchived(t, filepath.Join(dir, "fwd.gif"))
	assertArchived(t, filepath.Join(dir, "77.jpg"))
	assertArchived(t, filepath.Join(dir, "clip77.mp4"))
}

func TestCaptureMessageFormatOverridesExtension(t *testing.T) {
	root := t.TempDir()
	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg"))
	}))
	defer mediaSrv.Close()

	res := resolverFunc(func(ctx context.Context, apiURL string) ([]resolver.Media, error) {
		return []resolver.Media{{URL: mediaSrv.URL + "/img.jpg?format=jpg", Format: "jpg"}}, nil
	})
	o := New(Options{Root: root, ShareLinks: true, ResolverHost: "api.example"},
		archive.NewDownloader(archive.DownloadOptions{}), archive.Stamper{}, res)

	report := o.CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "c", EventID: "e", CreatedAt: createdAt,
		Content: "https://twitter.com/u/status/1",
	})
	if report.Synced() != 1 {
		t.Fatalf("synced = %d: %v", report.Synced(), report.Err())
	}
	assertArchived(t, filepath.Join(root, "c", "e", "img.jpg"))
}

func TestCaptureMessageRejectsFormatTraversal(t *testing.T) {
	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer mediaSrv.Close()

	base := t.TempDir()
	root := filepath.Join(base, "archive")
	res := resolverFunc(func(ctx context.Context, apiURL string) ([]resolver.Media, error) {
		return []resolver.Media{
			{URL: mediaSrv.URL + "/img.jpg?format=/../../../../escaped", Format: "/../../../../escaped"},
			{URL: mediaSrv.URL + "/ok.png"},
		}, nil
	})
	o := New(Options{Root: root, ShareLinks: true, ResolverHost: "api.example"},
		archive.NewDownloader(archive.DownloadOptions{}), archive.Stamper{}, res)

	report := o.CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "c", EventID: "e", CreatedAt: createdAt,
		Content: "https://x.com/u/status/1",
	})
	if report.Synced() != 1 || report.Failed() != 1 {
		t.Fatalf("synced=%d failed=%d, want 1/1", report.Synced(), report.Failed())
	}
	assertArchived(t, filepath.Join(root, "c", "e", "ok.png"))
	for _, p := range []string{filepath.Join(base, "escaped"), filepath.Join(root, "escaped")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should not exist: %v", p, err)
		}
	}
}

func TestWithin(t *testing.T) {
	dir := filepath.Join("archive", "c", "e")
	tests := []struct {
		path string
		ok   bool
	}{
		{filepath.Join(dir, "a.png"), true},
		{filepath.Join(dir, "..hidden"), true},
		{dir, false},
		{filepath.Join(dir, ".."), false},
		{filepath.Join(dir, "sub", "a.png"), false},
		{filepath.Join("archive", "escaped"), false},
	}
	for _, tt := range tests {
		if err := within(dir, tt.path); (err == nil) != tt.ok {
			t.Errorf("within(%q, %q) = %v, want ok=%v", dir, tt.path, err, tt.ok)
		}
	}
}

func TestCaptureMessageIsolatesResolverFailure(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	failedBefore := testutil.ToFloat64(metrics.Targets.WithLabelValues("share_link", "failed"))

	report := f.orchestrator(root, true).CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "9",
		EventID:   "8",
		CreatedAt: createdAt,
		Content:   "https://x.com/broken/status/1 https://x.com/ok/status/5",
		Attachments: []bus.Attachment{
			{Name: "one.png", URL: f.srv.URL + "/media/one.png"},
			{Name: "two.png", URL: f.srv.URL + "/media/two.png"},
		},
	})

	// 2 attachments + 2 media from the working link + 1 failed resolution
	if len(report.Outcomes) != 5 || report.Synced() != 4 || report.Failed() != 1 {
		t.Fatalf("outcomes=%d synced=%d failed=%d", len(report.Outcomes), report.Synced(), report.Failed())
	}
	var rerr *resolver.ResolutionError
	if !errors.As(report.Err(), &rerr) || rerr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("report error = %v, want ResolutionError 500", report.Err())
	}
	for _, o := range report.Outcomes {
		if !o.State.Terminal() {
			t.Fatalf("non-terminal outcome: %+v", o)
		}
	}
	if got := testutil.ToFloat64(metrics.Targets.WithLabelValues("share_link", "failed")) - failedBefore; got != 1 {
		t.Fatalf("failed share_link counter delta = %v, want 1", got)
	}
}

func TestCaptureMessageIsolatesDownloadFailure(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()

	report := f.orchestrator(root, false).CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "1",
		EventID:   "3",
		CreatedAt: createdAt,
		Attachments: []bus.Attachment{
			{Name: "dead.png", URL: f.srv.URL + "/media/dead.png"},
			{Name: "alive.png", URL: f.srv.URL + "/media/alive.png"},
		},
	})

	if report.Synced() != 1 || report.Failed() != 1 {
		t.Fatalf("synced=%d failed=%d, want 1/1", report.Synced(), report.Failed())
	}
	var ferr *archive.FetchError
	if !errors.As(report.Err(), &ferr) || ferr.StatusCode != http.StatusNotFound {
		t.Fatalf("report error = %v, want FetchError 404", report.Err())
	}
	assertArchived(t, filepath.Join(root, "1", "3", "alive.png"))
	if _, err := os.Stat(filepath.Join(root, "1", "3", "dead.png")); !os.IsNotExist(err) {
		t.Fatalf("dead.png should not exist: %v", err)
	}
}

func TestCaptureMessageShareLinksDisabled(t *testing.T) {
	f := newFixture(t)

	report := f.orchestrator(t.TempDir(), false).CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "1", EventID: "2", CreatedAt: createdAt,
		Content: "https://x.com/someone/status/1",
	})
	if len(report.Outcomes) != 0 {
		t.Fatalf("outcomes = %d, want 0", len(report.Outcomes))
	}
	if n := f.resolverCalls.Load(); n != 0 {
		t.Fatalf("resolver called %d times with share-links disabled", n)
	}
}

func TestCaptureMessageMetadataFailure(t *testing.T) {
	f := newFixture(t)
	stampErr := &archive.MetadataError{Path: "x", Err: os.ErrPermission}
	o := New(Options{Root: t.TempDir()},
		archive.NewDownloader(archive.DownloadOptions{HTTPClient: f.srv.Client()}),
		stamperFunc(func(path string, ref time.Time) error {
			if strings.HasSuffix(path, "bad.png") {
				return stampErr
			}
			return archive.Sync(path, ref)
		}),
		nil)

	report := o.CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "1", EventID: "2", CreatedAt: createdAt,
		Attachments: []bus.Attachment{
			{Name: "bad.png", URL: f.srv.URL + "/media/bad.png"},
			{Name: "good.png", URL: f.srv.URL + "/media/good.png"},
		},
	})
	if report.Synced() != 1 || report.Failed() != 1 {
		t.Fatalf("synced=%d failed=%d, want 1/1", report.Synced(), report.Failed())
	}
	if !errors.Is(report.Err(), os.ErrPermission) {
		t.Fatalf("report error = %v", report.Err())
	}
}

func TestCaptureMessageSanitizesNames(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()

	report := f.orchestrator(root, false).CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID: "1", EventID: "2", CreatedAt: createdAt,
		Attachments: []bus.Attachment{{Name: "../../escape.png", URL: f.srv.URL + "/media/escape.png"}},
	})
	if report.Synced() != 1 {
		t.Fatalf("synced = %d: %v", report.Synced(), report.Err())
	}
	assertArchived(t, filepath.Join(root, "1", "2", "escape.png"))
}

func TestCaptureMessageRejectsEmptyIDs(t *testing.T) {
	f := newFixture(t)
	report := f.orchestrator(t.TempDir(), false).CaptureMessage(context.Background(), bus.MessageEvent{
		ChannelID:   "..",
		EventID:     "2",
		Attachments: []bus.Attachment{{Name: "a.png", URL: f.srv.URL + "/media/a.png"}},
	})
	if len(report.Outcomes) != 0 {
		t.Fatalf("outcomes = %d, want 0", len(report.Outcomes))
	}
}

func TestCaptureMessageBoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	fetch := fetcherFunc(func(ctx context.Context, url, dest string) (archive.Result, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return archive.Result{Path: dest}, nil
	})
	o := New(Options{Root: t.TempDir(), MaxConcurrent: 2}, fetch,
		stamperFunc(func(string, time.Time) error { return nil }), nil)

	var atts []bus.Attachment
	for i := 0; i < 6; i++ {
		atts = append(atts, bus.Attachment{Name: fmt.Sprintf("%d.png", i), URL: fmt.Sprintf("https://cdn/%d.png", i)})
	}
	report := o.CaptureMessage(context.Background(), bus.MessageEvent{ChannelID: "1", EventID: "2", Attachments: atts})

	if report.Synced() != 6 {
		t.Fatalf("synced = %d, want 6", report.Synced())
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestCaptureProfile(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()

	report := f.orchestrator(root, false).CaptureProfile(context.Background(), bus.ProfileEvent{
		Kind:       bus.ProfileAvatar,
		SubjectID:  "42",
		URL:        f.srv.URL + "/media/a_1234.gif?size=4096",
		ObservedAt: createdAt,
	})
	if report.Synced() != 1 {
		t.Fatalf("synced = %d: %v", report.Synced(), report.Err())
	}
	assertArchived(t, filepath.Join(root, "avatars", "42", "a_1234.gif"))
}

func TestCaptureProfileWithoutSubject(t *testing.T) {
	o := New(Options{Root: t.TempDir()}, nil, nil, nil)
	logs := captureLog(t, func() {
		report := o.CaptureProfile(context.Background(), bus.ProfileEvent{Kind: bus.ProfileIcon, URL: "https://cdn/icon.png"})
		if report.Failed() != 1 {
			t.Fatalf("failed = %d, want 1", report.Failed())
		}
	})
	if !strings.Contains(logs, "Event captured") || !strings.Contains(logs, "failed=1") {
		t.Fatalf("missing summary line in %q", logs)
	}
}

// captureLog collects what the standard logger prints while fn runs.
func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

type resolverFunc func(ctx context.Context, apiURL string) ([]resolver.Media, error)

func (f resolverFunc) Resolve(ctx context.Context, apiURL string) ([]resolver.Media, error) {
	return f(ctx, apiURL)
}

type fetcherFunc func(ctx context.Context, url, dest string) (archive.Result, error)

func (f fetcherFunc) Download(ctx context.Context, url, dest string) (archive.Result, error) {
	return f(ctx, url, dest)
}

type stamperFunc func(path string, ref time.Time) error

func (f stamperFunc) Sync(path string, ref time.Time) error { return f(path, ref) }
