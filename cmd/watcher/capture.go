package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/k2angel/watcher/pkg/bus"
	"github.com/k2angel/watcher/pkg/links"
	"github.com/k2angel/watcher/pkg/resolver"
)

func captureCmd() *cobra.Command {
	var (
		channelID string
		eventID   string
		at        string
		attach    []string
	)

	cmd := &cobra.Command{
		Use:   "capture [text...]",
		Short: "Archive attachments and tweet media for a past message",
		Long: "Backfill a message into the archive. Share-links found in the text are\n" +
			"resolved, and every --attach name=url is downloaded, all stamped with --at.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			createdAt := time.Now()
			if at != "" {
				if createdAt, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			attachments, err := parseAttachments(attach)
			if err != nil {
				return err
			}

			report := newOrchestrator(cfg).CaptureMessage(cmd.Context(), bus.MessageEvent{
				Channel:     "cli",
				ChannelID:   channelID,
				EventID:     eventID,
				CreatedAt:   createdAt,
				Content:     strings.Join(args, " "),
				Attachments: attachments,
			})

			out := cmd.OutOrStdout()
			for _, o := range report.Outcomes {
				if o.Err != nil {
					fmt.Fprintf(out, "%-8s %s: %v\n", o.State, o.Target.SourceURL, o.Err)
					continue
				}
				fmt.Fprintf(out, "%-8s %s -> %s (%d bytes)\n", o.State, o.Target.SourceURL, o.Target.Path, o.Bytes)
			}
			if report.Failed() > 0 {
				return fmt.Errorf("%d of %d targets failed", report.Failed(), len(report.Outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&channelID, "channel", "", "channel id the message was posted in")
	cmd.Flags().StringVar(&eventID, "event", "", "message id")
	cmd.Flags().StringVar(&at, "at", "", "original post time (RFC3339), defaults to now")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "attachment as name=url (repeatable)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func parseAttachments(pairs []string) ([]bus.Attachment, error) {
	out := make([]bus.Attachment, 0, len(pairs))
	for _, pair := range pairs {
		name, url, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("invalid --attach %q, want name=url", pair)
		}
		out = append(out, bus.Attachment{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
	}
	return out, nil
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <text...>",
		Short: "Print the media URLs behind share-links in text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := resolver.NewClient(resolver.Options{
				Timeout:   time.Duration(cfg.Archive.HTTPTimeout) * time.Second,
				RateLimit: cfg.Twitter.RateLimit,
				Burst:     cfg.Twitter.Burst,
			})

			out := cmd.OutOrStdout()
			var failed int
			for apiURL := range links.Extract(strings.Join(args, " "), cfg.Twitter.ResolverHost) {
				media, err := client.Resolve(cmd.Context(), apiURL)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", apiURL, err)
					continue
				}
				for _, m := range media {
					fmt.Fprintln(out, m.URL)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d share-links could not be resolved", failed)
			}
			return nil
		},
	}
}
