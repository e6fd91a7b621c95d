// Package gateway wires channels, the conversation memory, the persona
// state and the completion API together and answers every inbound message.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/channel"
	"github.com/stellarlinkco/yuno/internal/config"
	"github.com/stellarlinkco/yuno/internal/cron"
	"github.com/stellarlinkco/yuno/internal/llm"
	"github.com/stellarlinkco/yuno/internal/logging"
	"github.com/stellarlinkco/yuno/internal/memory"
	"github.com/stellarlinkco/yuno/internal/personality"
	"github.com/stellarlinkco/yuno/internal/server"
	"github.com/stellarlinkco/yuno/internal/storage"
)

const defaultBufSize = 100

// Options override the collaborators New would otherwise build from the
// configuration. Zero values select the defaults.
type Options struct {
	Generator     llm.Generator
	Summarizer    memory.Summarizer
	Backend       storage.Backend
	ConfigPath    string
	CronStorePath string
	SignalChan    chan os.Signal // for testing
	Now           func() time.Time
	Rand          func(n int) int
	Logger        *slog.Logger
}

// DefaultCronStorePath is where jobs live unless Options.CronStorePath
// says otherwise.
func DefaultCronStorePath() string {
	return filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
}

type Gateway struct {
	cfgMu      sync.RWMutex
	cfg        *config.Config
	configPath string

	bus        *bus.MessageBus
	gen        llm.Generator
	store      *memory.Store
	keeper     *personality.Keeper
	backend    storage.Backend
	channels   *channel.ChannelManager
	cron       *cron.Service
	server     *server.Server
	dispatcher *dispatcher
	commands   map[string]command

	signalChan chan os.Signal
	now        func() time.Time
	pick       func(n int) int
	logger     *slog.Logger
}

// New creates a Gateway with default options.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway, letting tests inject collaborators.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		signalChan: opts.SignalChan,
		now:        opts.Now,
		pick:       opts.Rand,
		dispatcher: newDispatcher(),
		logger:     logger.With("component", "gateway"),
	}
	g.commands = g.registerCommands()
	if g.configPath == "" {
		g.configPath = config.ConfigPath()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.pick == nil {
		g.pick = rand.IntN
	}

	g.bus = bus.NewMessageBus(defaultBufSize)
	g.bus.SetLogger(logger)

	g.gen = opts.Generator
	if g.gen == nil {
		client, err := llm.NewClient(llm.Config{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "create completion client")
		}
		g.gen = client
	}

	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = llm.NewSummarizer(g.gen, llm.SummarizerConfig{
			Model:          cfg.Settings.SummaryModel,
			AssistantLabel: cfg.Personality.Name,
		})
	}
	g.store = memory.NewStore(limitsFrom(cfg), summarizer)
	g.store.SetLogger(logger)

	g.backend = opts.Backend
	if g.backend == nil {
		backend, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, goerr.Wrap(err, "open memory storage", goerr.V("backend", cfg.Storage.Backend))
		}
		g.backend = backend
	}
	if g.backend != nil {
		g.store.SetPersister(g.backend)
	}

	keeper, err := personality.Open(cfg.State.Path, personality.Seed(cfg), logger)
	if err != nil {
		g.closeBackend()
		return nil, goerr.Wrap(err, "open personality state")
	}
	g.keeper = keeper

	cronStorePath := opts.CronStorePath
	if cronStorePath == "" {
		cronStorePath = DefaultCronStorePath()
	}
	g.cron = cron.NewService(cronStorePath)
	g.cron.SetLogger(logger)
	g.cron.OnJob = g.onJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Settings.CommandPrefix, g.bus)
	if err != nil {
		g.closeBackend()
		return nil, goerr.Wrap(err, "create channel manager")
	}
	g.channels = chMgr

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	g.server = server.New(addr,
		server.WithLogger(logger),
		server.WithStatus(func() any { return g.Status() }),
	)

	return g, nil
}

// limitsFrom derives the memory capacity policy from settings. Parents get
// the larger limit.
// memoryChannels lists the channels a parent may write from.
var memoryChannels = []string{"discord", "telegram", "cli"}

// limitsFrom grants the parent limit to every memory key a parent id can
// get, so parent checks and memory capacity agree on each channel.
func limitsFrom(cfg *config.Config) memory.Limits {
	var privileged []string
	for _, id := range cfg.ParentIDs() {
		for _, ch := range memoryChannels {
			key := memoryKey(bus.InboundMessage{Channel: ch, SenderID: id})
			if !slices.Contains(privileged, key) {
				privileged = append(privileged, key)
			}
		}
	}
	return memory.Limits{
		Default:       cfg.Settings.MemoryLimit,
		Privileged:    cfg.Settings.ParentMemoryLimit,
		Threshold:     cfg.Settings.CompressionThreshold,
		PrivilegedIDs: privileged,
	}
}

func (g *Gateway) config() *config.Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

// setConfig swaps the active configuration and the memory limits with it.
func (g *Gateway) setConfig(cfg *config.Config) {
	g.cfgMu.Lock()
	g.cfg = cfg
	g.cfgMu.Unlock()
	g.store.SetLimits(limitsFrom(cfg))
}

// Bus exposes the message bus so callers can register extra channels.
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// RegisterChannel adds ch next to the channels built from configuration.
func (g *Gateway) RegisterChannel(ch channel.Channel) {
	g.channels.Register(ch)
}

// Run starts every component and blocks until a signal arrives or ctx
// ends, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = logging.With(ctx, g.logger)

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return goerr.Wrap(err, "start channels")
	}
	g.logger.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", "error", err)
	}
	if err := g.ensureInternalJobs(); err != nil {
		g.logger.Warn("ensure internal jobs failed", "error", err)
	}

	go func() {
		if err := g.server.ListenAndServe(ctx); err != nil {
			logError(g.logger, "keep-alive server stopped", err)
		}
	}()

	go g.processLoop(ctx)

	cfg := g.config()
	g.logger.Info("running", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port,
		"storage", cfg.Storage.Backend)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.logger.Debug("inbound", "channel", msg.Channel, "sender", msg.SenderID,
				"command", msg.Command, "content", truncate(msg.Content, 80))
			g.dispatcher.Submit(ctx, memoryKey(msg), func(ctx context.Context) error {
				return g.handleInbound(ctx, msg)
			})
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound answers msg and publishes the replies. Chat replies quote
// the original message; command output is posted plainly.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) error {
	var replies []string
	replyTo := ""
	if msg.IsCommand() {
		replies = g.HandleCommand(ctx, msg)
	} else {
		replies = []string{g.HandleMessage(ctx, msg)}
		replyTo = msg.MessageID
	}

	for _, text := range replies {
		if text == "" {
			continue
		}
		err := g.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: text,
			ReplyTo: replyTo,
		})
		if err != nil {
			return goerr.Wrap(err, "publish reply", goerr.V("channel", msg.Channel), goerr.V("chat_id", msg.ChatID))
		}
	}
	return nil
}

// memoryKey names the memory record of msg's sender. Discord and CLI ids
// are used as-is; other platforms are namespaced by channel and get their
// parent keys from limitsFrom.
func memoryKey(msg bus.InboundMessage) string {
	switch msg.Channel {
	case "", "discord", "cli":
		return msg.SenderID
	}
	return msg.UserKey()
}

// Shutdown stops background work and flushes state.
func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.dispatcher.Wait()

	if err := g.keeper.Save(); err != nil {
		logError(g.logger, "save personality state failed", err)
	}
	g.closeBackend()
	_ = g.channels.StopAll()

	g.logger.Info("shutdown complete")
	return nil
}

func (g *Gateway) closeBackend() {
	if g.backend == nil {
		return
	}
	if err := g.backend.Close(); err != nil {
		g.logger.Warn("close storage failed", "backend", g.backend.Name(), "error", err)
	}
}

// StatusReport is served on /status and printed by the status command.
type StatusReport struct {
	Name         string   `json:"name"`
	Mood         string   `json:"mood"`
	Storage      string   `json:"storage"`
	Channels     []string `json:"channels"`
	Users        int      `json:"users"`
	Interactions int      `json:"interactions"`
}

func (g *Gateway) Status() StatusReport {
	cfg := g.config()
	return StatusReport{
		Name:         cfg.Personality.Name,
		Mood:         g.keeper.CurrentMood(),
		Storage:      cfg.Storage.Backend,
		Channels:     g.channels.EnabledChannels(),
		Users:        len(g.store.Users()),
		Interactions: g.keeper.TotalInteractions(),
	}
}

// logError logs err with the values attached by goerr, when present.
func logError(logger *slog.Logger, msg string, err error, args ...any) {
	args = append(args, "error", err.Error())
	var ge *goerr.Error
	if errors.As(err, &ge) {
		args = append(args, "values", ge.Values())
	}
	logger.Error(msg, args...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
