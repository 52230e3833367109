// Package capture turns inbound chat events into archived media files.
//
// For each event the orchestrator plans one Target per attachment, forwarded
// attachment and resolved share-link media, runs every target concurrently
// (download, then timestamp sync) and waits for all of them. A failing target
// is logged and recorded in the Report; it never stops its siblings.
package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k2angel/watcher/pkg/archive"
	"github.com/k2angel/watcher/pkg/bus"
	"github.com/k2angel/watcher/pkg/links"
	"github.com/k2angel/watcher/pkg/logger"
	"github.com/k2angel/watcher/pkg/metrics"
	"github.com/k2angel/watcher/pkg/resolver"
	"github.com/k2angel/watcher/pkg/utils"
)

// Fetcher downloads url to dest.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) (archive.Result, error)
}

// Stamper sets the modification time of an archived file.
type Stamper interface {
	Sync(path string, ref time.Time) error
}

// Resolver expands a share-link API URL into its media.
type Resolver interface {
	Resolve(ctx context.Context, apiURL string) ([]resolver.Media, error)
}

// Options configures an Orchestrator. Root is the archive root.
type Options struct {
	Root          string
	ShareLinks    bool
	ResolverHost  string
	MaxConcurrent int // 0 means unbounded
}

type Orchestrator struct {
	opts     Options
	fetcher  Fetcher
	stamper  Stamper
	resolver Resolver
}

// New returns an Orchestrator. res may be nil when share-links are disabled.
func New(opts Options, fetcher Fetcher, stamper Stamper, res Resolver) *Orchestrator {
	return &Orchestrator{
		opts:     opts,
		fetcher:  fetcher,
		stamper:  stamper,
		resolver: res,
	}
}

// MessageDir is where media for a message is stored.
func (o *Orchestrator) MessageDir(channelID, eventID string) string {
	return filepath.Join(o.opts.Root, utils.SanitizeFilename(channelID), utils.SanitizeFilename(eventID))
}

// CaptureMessage archives every media item referenced by ev and reports the
// outcome of each.
func (o *Orchestrator) CaptureMessage(ctx context.Context, ev bus.MessageEvent) Report {
	metrics.Events.WithLabelValues("message").Inc()
	report := Report{EventID: ev.EventID}

	if utils.SanitizeFilename(ev.ChannelID) == "" || utils.SanitizeFilename(ev.EventID) == "" {
		logger.ErrorCF("capture", "Event has no usable channel or event id", map[string]interface{}{
			"channel_id": ev.ChannelID,
			"event_id":   ev.EventID,
		})
		return report
	}

	targets, failed := o.planMessage(ctx, ev)
	report.Outcomes = append(failed, o.run(ctx, ev.EventID, ev.CorrelationID, targets)...)
	o.summarize(report, ev.CorrelationID)
	return report
}

// CaptureProfile archives a new avatar or guild icon.
func (o *Orchestrator) CaptureProfile(ctx context.Context, ev bus.ProfileEvent) Report {
	metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
	report := Report{EventID: ev.SubjectID}

	subject := utils.SanitizeFilename(ev.SubjectID)
	name, err := utils.MediaFileName(ev.URL, "")
	if subject == "" || err != nil {
		if err == nil {
			err = errEmptySubject
		}
		report.Outcomes = []Outcome{o.fail(Target{Source: ProfileMedia, SourceURL: ev.URL}, ev.SubjectID, ev.CorrelationID, err)}
		o.summarize(report, ev.CorrelationID)
		return report
	}

	target := Target{
		Source:    ProfileMedia,
		SourceURL: ev.URL,
		Path:      filepath.Join(o.opts.Root, string(ev.Kind), subject, name),
		Timestamp: ev.ObservedAt,
	}
	report.Outcomes = o.run(ctx, ev.SubjectID, ev.CorrelationID, []Target{target})
	o.summarize(report, ev.CorrelationID)
	return report
}

// planMessage builds the targets for ev. Sources that cannot become a target
// (unresolvable share-links, unusable names) come back as failed outcomes.
func (o *Orchestrator) planMessage(ctx context.Context, ev bus.MessageEvent) ([]Target, []Outcome) {
	dir := o.MessageDir(ev.ChannelID, ev.EventID)
	var (
		targets []Target
		failed  []Outcome
	)

	for _, att := range ev.AllAttachments() {
		name := utils.SanitizeFilename(att.Name)
		if name == "" {
			var err error
			if name, err = utils.MediaFileName(att.URL, ""); err != nil {
				failed = append(failed, o.fail(Target{Source: DirectAttachment, SourceURL: att.URL}, ev.EventID, ev.CorrelationID, err))
				continue
			}
		}
		t := Target{
			Source:    DirectAttachment,
			SourceURL: att.URL,
			Path:      filepath.Join(dir, name),
			Timestamp: ev.CreatedAt,
		}
		if err := within(dir, t.Path); err != nil {
			failed = append(failed, o.fail(t, ev.EventID, ev.CorrelationID, err))
			continue
		}
		targets = append(targets, t)
	}

	if !o.opts.ShareLinks || o.resolver == nil {
		return targets, failed
	}

	for apiURL := range links.Extract(ev.Content, o.opts.ResolverHost) {
		media, err := o.resolver.Resolve(ctx, apiURL)
		if err != nil {
			metrics.Resolutions.WithLabelValues("error").Inc()
			failed = append(failed, o.fail(Target{Source: ShareLink, SourceURL: apiURL}, ev.EventID, ev.CorrelationID, err))
			continue
		}
		metrics.Resolutions.WithLabelValues("ok").Inc()

		for _, m := range media {
			name, err := utils.MediaFileName(m.URL, m.Format)
			if err != nil {
				failed = append(failed, o.fail(Target{Source: ShareLink, SourceURL: m.URL}, ev.EventID, ev.CorrelationID, err))
				continue
			}
			t := Target{
				Source:    ShareLink,
				SourceURL: m.URL,
				Path:      filepath.Join(dir, name),
				Timestamp: ev.CreatedAt,
			}
			if err := within(dir, t.Path); err != nil {
				failed = append(failed, o.fail(t, ev.EventID, ev.CorrelationID, err))
				continue
			}
			targets = append(targets, t)
		}
	}
	return targets, failed
}

// within fails unless path is a direct child of dir.
func within(dir, path string) error {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("destination %q escapes %q", path, dir)
	}
	return nil
}

// run drives every target concurrently and waits for all of them.
func (o *Orchestrator) run(ctx context.Context, eventID, correlationID string, targets []Target) []Outcome {
	outcomes := make([]Outcome, len(targets))

	var g errgroup.Group
	if o.opts.MaxConcurrent > 0 {
		g.SetLimit(o.opts.MaxConcurrent)
	}
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = o.capture(ctx, t, eventID, correlationID)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) capture(ctx context.Context, t Target, eventID, correlationID string) Outcome {
	out := Outcome{Target: t, State: Downloading}

	res, err := o.fetcher.Download(ctx, t.SourceURL, t.Path)
	if err != nil {
		return o.fail(t, eventID, correlationID, err)
	}
	out.State = Downloaded
	out.Bytes = res.Bytes
	out.SHA256 = res.SHA256
	metrics.BytesArchived.Add(float64(res.Bytes))

	if err := o.stamper.Sync(t.Path, t.Timestamp); err != nil {
		failed := o.fail(t, eventID, correlationID, err)
		failed.Bytes, failed.SHA256 = out.Bytes, out.SHA256
		return failed
	}
	out.State = TimestampSynced
	metrics.Targets.WithLabelValues(t.Source.String(), out.State.String()).Inc()
	return out
}

func (o *Orchestrator) fail(t Target, eventID, correlationID string, err error) Outcome {
	metrics.Targets.WithLabelValues(t.Source.String(), Failed.String()).Inc()
	logger.ErrorCF("capture", "Capture failed", map[string]interface{}{
		"source":         t.Source.String(),
		"url":            t.SourceURL,
		"path":           t.Path,
		"event_id":       eventID,
		"correlation_id": correlationID,
		"error":          err.Error(),
	})
	return Outcome{Target: t, State: Failed, Err: err}
}

func (o *Orchestrator) summarize(r Report, correlationID string) {
	if len(r.Outcomes) == 0 {
		return
	}
	logger.InfoCF("capture", "Event captured", map[string]interface{}{
		"event_id":       r.EventID,
		"correlation_id": correlationID,
		"targets":        len(r.Outcomes),
		"synced":         r.Synced(),
		"failed":         r.Failed(),
	})
}
