package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Default daemon tuning.
const (
	DefaultMaxConcurrent = 32
	dedupeTTL            = 10 * time.Minute
	dedupeMax            = 10000
)

// Daemon is the main relay process. It connects to the platform, pumps
// inbound events through the Router with bounded concurrency, and
// optionally posts a scheduled activity digest.
type Daemon struct {
	platform      Platform
	topics        TopicHandler
	stats         StatsSource
	adminGroup    string
	adminUser     string
	maxConcurrent int
	digestCron    string
	seen          *seenSet
	out           io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Platform      Platform
	Topics        TopicHandler
	Stats         StatsSource // required when DigestCron is set
	AdminGroup    string
	AdminUser     string // digest recipient; defaults to the admin group
	MaxConcurrent int    // defaults to DefaultMaxConcurrent
	DigestCron    string // 5-field cron; empty disables the digest
	Out           io.Writer
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("relay: platform is required")
	}
	if opts.Topics == nil {
		return nil, fmt.Errorf("relay: topic handler is required")
	}
	if opts.AdminGroup == "" {
		return nil, fmt.Errorf("relay: admin group is required")
	}
	if opts.DigestCron != "" {
		if err := validateCron(opts.DigestCron); err != nil {
			return nil, err
		}
		if opts.Stats == nil {
			return nil, fmt.Errorf("relay: digest requires a stats source")
		}
	}
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		platform:      opts.Platform,
		topics:        opts.Topics,
		stats:         opts.Stats,
		adminGroup:    opts.AdminGroup,
		adminUser:     opts.AdminUser,
		maxConcurrent: limit,
		digestCron:    opts.DigestCron,
		seen:          newSeenSet(dedupeTTL, dedupeMax),
		out:           out,
	}, nil
}

// Run connects the platform and handles events until ctx is cancelled or
// the platform closes its event channel. In-flight handlers are allowed to
// finish before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Relay connecting...\n")
	if err := d.platform.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.platform.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	router, err := NewRouter(RouterOpts{
		Topics:     d.topics,
		Platform:   d.platform,
		AdminGroup: d.adminGroup,
		BotUserID:  botUserID,
	})
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("relay: build router: %w", err)
	}

	inbound, err := d.platform.Listen(ctx)
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}

	if d.digestCron != "" {
		go d.runDigestScheduler(ctx)
	}

	fmt.Fprintf(d.out, "Relay online (admin group %s)\n", d.adminGroup)

	var g errgroup.Group
	g.SetLimit(d.maxConcurrent)
	handlerCtx := context.WithoutCancel(ctx)

loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Relay shutting down...\n")
			break loop
		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Relay inbound channel closed\n")
				break loop
			}
			if ev.ID != "" && d.seen.checkAndMark(ev.ID) {
				log.Debug().Str("event", ev.ID).Msg("relay: duplicate event dropped")
				continue
			}
			g.Go(func() error {
				router.Handle(handlerCtx, ev)
				return nil
			})
		}
	}

	g.Wait()
	if err := d.platform.Close(); err != nil {
		log.Warn().Err(err).Msg("relay: close platform")
	}
	fmt.Fprintf(d.out, "Relay stopped\n")
	return nil
}

// runDigestScheduler posts a digest on every cron tick until ctx is done.
func (d *Daemon) runDigestScheduler(ctx context.Context) {
	last := time.Now()
	for {
		wait := nextCronDuration(d.digestCron, time.Now())
		if wait <= 0 {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		now := time.Now()
		d.fireDigest(ctx, last)
		last = now
	}
}

// fireDigest builds and sends one digest. Empty digests are suppressed.
func (d *Daemon) fireDigest(ctx context.Context, since time.Time) {
	text, err := buildDigest(ctx, d.stats, since)
	if err != nil {
		log.Error().Err(err).Msg("relay: digest")
		return
	}
	if text == "" {
		return
	}
	msg := OutboundMessage{ChatID: d.adminGroup, Text: text}
	if d.adminUser != "" {
		msg = OutboundMessage{UserID: d.adminUser, Text: text}
	}
	if err := d.platform.Send(ctx, msg); err != nil {
		log.Error().Err(err).Msg("relay: send digest")
	}
}
