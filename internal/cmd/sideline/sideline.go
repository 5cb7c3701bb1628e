// Package sideline parses client command configuration and dispatches the
// CLI verbs onto the assembled runtime.
package sideline

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/sidelinehq/sideline/internal/bus"
	"github.com/sidelinehq/sideline/internal/client"
	entrypoint "github.com/sidelinehq/sideline/internal/platform/cmd"
	"github.com/sidelinehq/sideline/internal/platform/config"
	apperrors "github.com/sidelinehq/sideline/internal/platform/errors"
	"github.com/sidelinehq/sideline/internal/presence"
	"github.com/sidelinehq/sideline/internal/render"
	"github.com/sidelinehq/sideline/internal/session/storage"
	"github.com/sidelinehq/sideline/internal/session/storage/sqlite"
)

// Config holds client command configuration. Values from the optional
// config file override the environment; verb flags override both.
type Config struct {
	APIBaseURL         string        `env:"SIDELINE_API_URL" yaml:"api_url" envDefault:"https://api.sideline.gg"`
	PushURL            string        `env:"SIDELINE_PUSH_URL" yaml:"push_url" envDefault:"wss://push.sideline.gg/ws"`
	PushOrigin         string        `env:"SIDELINE_PUSH_ORIGIN" yaml:"push_origin"`
	AvatarCDN          string        `env:"SIDELINE_AVATAR_CDN" yaml:"avatar_cdn" envDefault:"https://images.sideline.gg/u"`
	AvatarCards        string        `env:"SIDELINE_AVATAR_CARDS" yaml:"avatar_cards" envDefault:"https://cards.sideline.gg"`
	DBPath             string        `env:"SIDELINE_DB_PATH" yaml:"db_path" envDefault:"data/sideline.db"`
	MetricsAddr        string        `env:"SIDELINE_METRICS_ADDR" yaml:"metrics_addr"`
	Locale             string        `env:"SIDELINE_LOCALE" yaml:"locale" envDefault:"en"`
	RefreshMinInterval time.Duration `env:"SIDELINE_REFRESH_MIN_INTERVAL" yaml:"refresh_min_interval" envDefault:"700ms"`
	ConfigPath         string        `env:"SIDELINE_CONFIG" yaml:"-"`
}

// ParseConfig loads configuration from the environment and the optional
// YAML file SIDELINE_CONFIG names.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if _, err := config.LoadFileIfPresent(cfg.ConfigPath, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	liveMarker    = color.New(color.FgRed, color.Bold)
	offlineMarker = color.New(color.Faint)
)

// Run dispatches the verb named by the first argument.
func Run(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceClient, func(context.Context) error {
		return run(ctx, cfg, args, out, errOut)
	})
}

func run(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	a := &app{
		cfg:    cfg,
		loc:    render.NewPrinter(cfg.Locale),
		out:    out,
		errOut: errOut,
	}

	verb := ""
	rest := []string{}
	if len(args) > 0 {
		verb = args[0]
		rest = args[1:]
	}

	switch verb {
	case "login":
		return a.login(ctx, rest)
	case "logout":
		return a.logout(ctx, rest)
	case "follow":
		return a.setFollow(ctx, "follow", rest, true)
	case "unfollow":
		return a.setFollow(ctx, "unfollow", rest, false)
	case "status":
		return a.status(ctx, rest)
	case "streams":
		return a.streams(ctx, rest)
	case "watch":
		return a.watch(ctx, rest)
	case "golive":
		return a.setLive(ctx, "golive", rest, true)
	case "endlive":
		return a.setLive(ctx, "endlive", rest, false)
	case "avatar":
		return a.avatar(ctx, rest)
	case "", "help":
		usage(out)
		return nil
	default:
		usage(errOut)
		return fmt.Errorf("unknown command %q", verb)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: sideline <command> [options]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  login <code>           Exchange a sign-in code for a session")
	fmt.Fprintln(w, "  logout                 Sign out and forget credentials")
	fmt.Fprintln(w, "  follow <entity-id>     Follow an entity")
	fmt.Fprintln(w, "  unfollow <entity-id>   Unfollow an entity")
	fmt.Fprintln(w, "  status <entity-id...>  Print follow status for entities")
	fmt.Fprintln(w, "  streams                List livestreams")
	fmt.Fprintln(w, "  watch <stream-id>      Watch a stream and print presence updates")
	fmt.Fprintln(w, "  golive <stream-id>     Mark an owned stream live")
	fmt.Fprintln(w, "  endlive <stream-id>    Mark an owned stream offline")
	fmt.Fprintln(w, "  avatar [-url] [-name] [-size] <entity-id>")
	fmt.Fprintln(w, "                         Print the resolved avatar URL")
}

// app carries the per-invocation dependencies every verb needs.
type app struct {
	cfg    Config
	loc    render.Localizer
	out    io.Writer
	errOut io.Writer
}

// runtime assembles the client and restores the persisted session. The
// returned cleanup closes both the runtime and the token store.
func (a *app) runtime(ctx context.Context) (*client.Client, func(), error) {
	var store storage.TokenStore
	closeStore := func() {}
	if a.cfg.DBPath != "" {
		s, err := openTokenStore(a.cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		store = s
		closeStore = func() {
			if err := s.Close(); err != nil {
				log.Printf("sideline: close token store: %v", err)
			}
		}
	}

	c, err := client.New(client.Config{
		BaseURL:            a.cfg.APIBaseURL,
		PushURL:            a.cfg.PushURL,
		PushOrigin:         a.cfg.PushOrigin,
		AvatarCDNBase:      a.cfg.AvatarCDN,
		AvatarFallbackBase: a.cfg.AvatarCards,
		TokenStore:         store,
		MetricsAddr:        a.cfg.MetricsAddr,
		MinRefreshInterval: a.cfg.RefreshMinInterval,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	if err := c.Restore(ctx); err != nil {
		c.Close()
		closeStore()
		return nil, nil, err
	}
	cleanup := func() {
		c.Close()
		closeStore()
	}
	return c, cleanup, nil
}

func openTokenStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

// report writes the viewer-facing copy for err and decides the exit
// outcome. Silent codes are absorbed with no output.
func (a *app) report(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.CodeOf(err).Silent() {
		return nil
	}
	text := render.FailureCopy(a.loc, err)
	if text == "" {
		text = err.Error()
	}
	fmt.Fprintln(a.errOut, text)
	return err
}

func (a *app) printStream(rec presence.PresenceRecord) {
	marker := render.LiveLabel(a.loc, rec.Live)
	if rec.Live {
		marker = liveMarker.Sprint(marker)
	} else {
		marker = offlineMarker.Sprint(marker)
	}
	fmt.Fprintf(a.out, "%s  %s  %s\n", rec.EntityID, marker, render.ViewersLabel(a.loc, rec.ViewerCount))
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	code := strings.TrimSpace(fs.Arg(0))
	if code == "" {
		return fmt.Errorf("usage: sideline login <code>")
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := c.SignIn(ctx, code); err != nil {
		return a.report(err)
	}
	viewer := c.ViewerID()
	if viewer == "" {
		viewer = "unknown viewer"
	}
	fmt.Fprintf(a.out, "Signed in as %s\n", viewer)
	return nil
}

func (a *app) logout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := c.SignOut(ctx); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Signed out")
	return nil
}

func (a *app) setFollow(ctx context.Context, verb string, args []string, want bool) error {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	entityID := strings.TrimSpace(fs.Arg(0))
	if entityID == "" {
		return fmt.Errorf("usage: sideline %s <entity-id>", verb)
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := c.HydrateFollowIDs(ctx, entityID); err != nil {
		return a.report(err)
	}
	if c.IsFollowing(entityID) != want {
		if _, err := c.ToggleFollow(ctx, entityID); err != nil {
			return a.report(err)
		}
	}
	fmt.Fprintf(a.out, "%s  %s\n", entityID, render.FollowLabel(a.loc, c.IsFollowing(entityID)))
	return nil
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	ids := fs.Args()
	if len(ids) == 0 {
		return fmt.Errorf("usage: sideline status <entity-id...>")
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := c.HydrateFollowIDs(ctx, ids...); err != nil {
		return a.report(err)
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		fmt.Fprintf(a.out, "%s  %s\n", id, render.FollowLabel(a.loc, c.IsFollowing(id)))
	}
	return nil
}

func (a *app) streams(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("streams", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := c.SyncStreams(ctx)
	if err != nil {
		return a.report(err)
	}
	if len(records) == 0 {
		fmt.Fprintln(a.out, "No livestreams right now")
		return nil
	}
	for _, rec := range records {
		a.printStream(rec)
	}
	return nil
}

// watch runs until the context is cancelled, printing the stream's
// presence line on every change the bus reports.
func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	streamID := strings.TrimSpace(fs.Arg(0))
	if streamID == "" {
		return fmt.Errorf("usage: sideline watch <stream-id>")
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	if err := c.RefreshStream(ctx, streamID); err != nil {
		return a.report(err)
	}
	rec, err := c.WatchStream(ctx, streamID)
	if err != nil {
		return a.report(err)
	}
	a.printStream(rec)

	unsubscribe := c.Subscribe(bus.KindPresenceChanged, func(e bus.Event) {
		change, ok := e.(bus.PresenceChanged)
		if !ok || change.EntityID != streamID {
			return
		}
		if current, ok := c.GetPresence(streamID); ok {
			a.printStream(current)
		}
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
	case err := <-runDone:
		if err != nil {
			return a.report(err)
		}
	}

	// The watch context is gone; unwind with a fresh one so the leave
	// still reaches the platform.
	if err := c.UnwatchStream(context.Background(), streamID); err != nil {
		log.Printf("sideline: unwatch %s: %v", streamID, err)
	}
	return nil
}

func (a *app) setLive(ctx context.Context, verb string, args []string, live bool) error {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	streamID := strings.TrimSpace(fs.Arg(0))
	if streamID == "" {
		return fmt.Errorf("usage: sideline %s <stream-id>", verb)
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := c.RefreshStream(ctx, streamID); err != nil {
		return a.report(err)
	}
	var opErr error
	if live {
		opErr = c.StartStream(ctx, streamID)
	} else {
		opErr = c.StopStream(ctx, streamID)
	}
	if opErr != nil {
		return a.report(opErr)
	}
	if rec, ok := c.GetPresence(streamID); ok {
		a.printStream(rec)
	}
	return nil
}

func (a *app) avatar(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("avatar", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	primaryURL := fs.String("url", "", "primary avatar image URL")
	name := fs.String("name", "", "display name for the initials card")
	size := fs.Int("size", 0, "delivery size in pixels")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	entityID := strings.TrimSpace(fs.Arg(0))
	if entityID == "" {
		return fmt.Errorf("usage: sideline avatar [-url <url>] [-name <name>] [-size <px>] <entity-id>")
	}

	c, cleanup, err := a.runtime(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Fprintln(a.out, c.ResolveAvatar(entityID, *primaryURL, *name, *size))
	return nil
}
