package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/markbot/internal/bus"
	"github.com/stellarlinkco/markbot/internal/channel"
	"github.com/stellarlinkco/markbot/internal/config"
	"github.com/stellarlinkco/markbot/internal/corpus"
	"github.com/stellarlinkco/markbot/internal/cron"
	"github.com/stellarlinkco/markbot/internal/meme"
	"github.com/stellarlinkco/markbot/internal/responder"
)

const (
	regenJobName   = "__internal_corpus_regen"
	regenAction    = "__internal:corpus:regen"
	idleJobName    = "__internal_idle_phrase"
	idleAction     = "__internal:idle:phrase"
	shutdownFlush  = 30 * time.Second
	metricsTimeout = 5 * time.Second
)

// MemeGenerator renders captions onto an image and returns its URL.
type MemeGenerator interface {
	Enabled() bool
	Generate(ctx context.Context, top, bottom string) (string, error)
}

// Options for creating a Gateway
type Options struct {
	SignalChan chan os.Signal // for testing signal handling
	// Store overrides the configured dataset backend.
	Store corpus.DatasetStore
	// Channels are registered in addition to the configured transports.
	Channels []channel.Channel
	Meme     MemeGenerator
	Rand     *rand.Rand
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	cron       *cron.Service
	buffer     *corpus.Buffer
	store      corpus.DatasetStore
	pipeline   *corpus.Pipeline
	selector   *responder.Selector
	meme       MemeGenerator
	phrases    []string
	metrics    *Metrics
	metricsSrv *http.Server
	signalChan chan os.Signal // for testing

	mu     sync.Mutex
	rng    *rand.Rand
	chatty string // chat ID with the chatty response chance

	wg sync.WaitGroup
}

// OpenStore opens the dataset backend named by cfg.
func OpenStore(cfg config.StorageConfig) (corpus.DatasetStore, error) {
	switch cfg.Backend {
	case config.StorageSQLite:
		return corpus.NewSQLiteStore(cfg.Database())
	case config.StorageJSON, "":
		return corpus.NewFileStore(cfg.Dataset()), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		buffer:     corpus.NewBuffer(),
		signalChan: opts.SignalChan,
		rng:        opts.Rand,
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	g.store = opts.Store
	if g.store == nil {
		store, err := OpenStore(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open dataset store: %w", err)
		}
		g.store = store
	}

	g.metrics = NewMetrics(g.buffer)

	g.selector = responder.NewSelector(responder.FileLoader(cfg.Storage.Model()),
		rand.New(rand.NewPCG(g.rng.Uint64(), g.rng.Uint64())))
	g.pipeline = corpus.NewPipeline(g.buffer, g.store, corpus.NewBuilder(cfg.Markov.StateSize), cfg.Storage.Model())
	g.pipeline.OnRebuilt = func(m *corpus.Model) {
		g.selector.Prime(m)
		g.metrics.DatasetRecords.Set(float64(len(m.Sources)))
	}

	phrases, err := responder.LoadPhrases(cfg.Storage.Phrases())
	if err != nil {
		log.Printf("[gateway] phrases unavailable: %v", err)
	}
	g.phrases = phrases

	g.meme = opts.Meme
	if g.meme == nil {
		g.meme = meme.NewClient(cfg.Meme)
	}

	g.cron = cron.NewService(cfg.Storage.Jobs())
	g.cron.OnJob = g.handleJob

	chMgr, err := channel.NewChannelManager(cfg, g.bus)
	if err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	for _, ch := range opts.Channels {
		chMgr.Register(ch)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) handleJob(job cron.CronJob) (string, error) {
	switch job.Payload.Action {
	case regenAction:
		stats, err := g.regen()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d records", stats.Records), nil
	case idleAction:
		phrase, ok := g.randomPhrase()
		if ok {
			g.publish(bus.OutboundMessage{Channel: job.Payload.Channel, ChatID: job.Payload.To, Content: phrase})
			g.metrics.Responses.WithLabelValues("idle").Inc()
		}
		next, err := g.scheduleIdle()
		if err != nil {
			return "", fmt.Errorf("schedule next idle phrase: %w", err)
		}
		return "next at " + next.Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("unknown job action %q", job.Payload.Action)
}

// ensureInternalJobs makes sure the daily regen job exists with the
// configured schedule and, when an idle target is set, that one idle
// phrase is pending.
func (g *Gateway) ensureInternalJobs() error {
	hasRegen, hasIdle := false, false
	for _, job := range g.cron.ListJobs() {
		switch {
		case job.Payload.Action == regenAction || job.Name == regenJobName:
			if job.Schedule.Expr != g.cfg.Schedule.Regen {
				g.cron.RemoveJob(job.ID)
				continue
			}
			hasRegen = true
		case job.Payload.Action == idleAction || job.Name == idleJobName:
			if job.Payload.To != g.cfg.Schedule.IdleChatID {
				g.cron.RemoveJob(job.ID)
				continue
			}
			hasIdle = true
		}
	}

	if !hasRegen {
		_, err := g.cron.AddJob(regenJobName, cron.Schedule{Kind: cron.KindCron, Expr: g.cfg.Schedule.Regen}, cron.Payload{Action: regenAction})
		if err != nil {
			return err
		}
	}
	if !hasIdle && g.cfg.Schedule.IdleChatID != "" {
		if _, err := g.scheduleIdle(); err != nil {
			return err
		}
	}
	return nil
}

// scheduleIdle queues the next unprompted phrase: a random 1 to 11 hours
// plus the configured delay from now.
func (g *Gateway) scheduleIdle() (time.Time, error) {
	if g.cfg.Schedule.IdleChatID == "" {
		return time.Time{}, nil
	}
	g.mu.Lock()
	hours := g.rng.IntN(12)
	g.mu.Unlock()
	if hours == 0 {
		hours = 10
	}
	at := time.Now().Add(time.Duration(hours+g.cfg.Schedule.IdleDelayHours) * time.Hour)

	_, err := g.cron.AddJob(idleJobName,
		cron.Schedule{Kind: cron.KindAt, AtMs: at.UnixMilli()},
		cron.Payload{Action: idleAction, Channel: g.idleChannel(), To: g.cfg.Schedule.IdleChatID})
	if err != nil {
		return time.Time{}, err
	}
	log.Printf("[gateway] next idle phrase at %s", at.Format(time.RFC3339))
	return at, nil
}

func (g *Gateway) idleChannel() string {
	if g.cfg.Schedule.IdleChannel != "" {
		return g.cfg.Schedule.IdleChannel
	}
	return "discord"
}

func (g *Gateway) regen() (corpus.Stats, error) {
	timer := time.Now()
	stats, err := g.pipeline.Regen()
	g.metrics.observeRegen(err, time.Since(timer))
	if err != nil {
		log.Printf("[gateway] regen failed: %v", err)
	}
	return stats, err
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	// Build the model once so responses work before the first scheduled regen.
	if _, err := g.regen(); err != nil {
		log.Printf("[gateway] startup regen warning: %v", err)
	}

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureInternalJobs(); err != nil {
		log.Printf("[gateway] ensure internal jobs warning: %v", err)
	}

	if g.cfg.Gateway.Metrics {
		g.serveMetrics()
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) serveMetrics() {
	addr := net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
	g.metricsSrv = &http.Server{
		Addr:              addr,
		Handler:           g.metrics.Handler(),
		ReadHeaderTimeout: metricsTimeout,
	}
	go func() {
		if err := g.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[gateway] metrics server error: %v", err)
		}
	}()
	log.Printf("[gateway] metrics on http://%s/metrics", addr)
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		case ev := <-g.bus.Deletions:
			g.recordDeletion(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if cmd, args := parseCommand(g.cfg.Bot.Prefix, msg.Content); cmd != "" {
		log.Printf("[gateway] %s from %s/%s", cmd, msg.Channel, msg.SenderID)
		g.handleCommand(ctx, msg, cmd, args)
		return
	}
	if msg.FromBot {
		return
	}

	g.maybeSpeakUp(msg)
	g.record(msg)

	if msg.Mentioned {
		g.goRespond(msg, respondOpts{kind: "mention", tts: msg.TTS})
	}
}

func (g *Gateway) record(msg bus.InboundMessage) {
	rec := corpus.Record{ID: msg.MessageID, Text: msg.Content}
	if len(msg.Media) > 0 {
		rec.Attachment = msg.Media[0]
	}
	if err := g.buffer.RecordMessage(rec); err != nil {
		log.Printf("[gateway] skip message from %s: %v", msg.SessionKey(), err)
		return
	}
	g.metrics.MessagesRecorded.Inc()
}

func (g *Gateway) recordDeletion(ev bus.DeletionEvent) {
	g.buffer.RecordDeletion(ev.MessageID)
	g.metrics.DeletionsRecorded.Inc()
}

// drainBus records events still queued on the bus without replying to them.
func (g *Gateway) drainBus() int {
	n := 0
	for {
		select {
		case msg := <-g.bus.Inbound:
			if cmd, _ := parseCommand(g.cfg.Bot.Prefix, msg.Content); cmd == "" && !msg.FromBot {
				g.record(msg)
			}
		case ev := <-g.bus.Deletions:
			g.recordDeletion(ev)
		default:
			return n
		}
		n++
	}
}

// maybeSpeakUp rolls once per observed message. Below the phrase chance a
// canned phrase is sent; otherwise below the chat chance a sentence about
// the message's words is generated.
func (g *Gateway) maybeSpeakUp(msg bus.InboundMessage) {
	allowed := msg.Category != g.cfg.Bot.SuppressCategory || msg.Category == ""
	chance := g.cfg.Chance.Random
	switch {
	case g.isChatty(msg.ChatID):
		chance = g.cfg.Chance.Chatty
	case msg.Category != "" && msg.Category == g.cfg.Bot.BoostCategory:
		chance = g.cfg.Chance.Increased
	}

	roll := g.roll()
	if roll < g.cfg.Chance.Phrase {
		if !allowed {
			log.Printf("[gateway] phrase suppressed in %s", msg.Category)
			return
		}
		if phrase, ok := g.randomPhrase(); ok {
			g.reply(msg, g.prefixed(phrase), "")
			g.metrics.Responses.WithLabelValues("phrase").Inc()
		}
		return
	}
	if roll < chance {
		if !allowed {
			log.Printf("[gateway] response suppressed in %s", msg.Category)
			return
		}
		g.goRespond(msg, respondOpts{
			kind:   "spontaneous",
			tts:    msg.TTS,
			topics: responder.Topics(msg.Content),
			forced: true,
			quiet:  true,
		})
	}
}

func (g *Gateway) roll() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

func (g *Gateway) randomPhrase() (string, bool) {
	if len(g.phrases) == 0 {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phrases[g.rng.IntN(len(g.phrases))], true
}

func (g *Gateway) isChatty(chatID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chatty != "" && g.chatty == chatID
}

func (g *Gateway) prefixed(s string) string {
	if g.cfg.Bot.MessagePrefix == "" {
		return s
	}
	return g.cfg.Bot.MessagePrefix + " " + s
}

func (g *Gateway) reply(msg bus.InboundMessage, content, media string) {
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: content}
	if media != "" {
		out.Media = []string{media}
	}
	g.publish(out)
}

func (g *Gateway) publish(out bus.OutboundMessage) {
	select {
	case g.bus.Outbound <- out:
	case <-time.After(5 * time.Second):
		log.Printf("[gateway] outbound queue full, dropped message to %s:%s", out.Channel, out.ChatID)
	}
}

// Shutdown waits for in-flight work, flushes pending observations into the
// dataset and stops every component.
func (g *Gateway) Shutdown() error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownFlush):
		log.Printf("[gateway] timed out waiting for background work")
	}

	g.cron.Stop()
	_ = g.channels.StopAll()

	if n := g.drainBus(); n > 0 {
		log.Printf("[gateway] recorded %d queued events before shutdown", n)
	}

	if adds, dels := g.buffer.Len(); adds > 0 || dels > 0 {
		if _, err := g.regen(); err != nil {
			log.Printf("[gateway] final regen warning: %v", err)
		}
	}

	if g.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
		defer cancel()
		if err := g.metricsSrv.Shutdown(ctx); err != nil {
			log.Printf("[gateway] metrics shutdown warning: %v", err)
		}
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close dataset store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
