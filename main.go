// File: main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"candleboard/internal/candle"
	"candleboard/internal/chart"
	"candleboard/internal/history"
	"candleboard/internal/httpx"
	"candleboard/internal/market"
	"candleboard/internal/stream"
	"candleboard/internal/symbol"
)

/* ====================
   Config & Inputs
   ==================== */

type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Timezone   string `yaml:"timezone"`
	Feed       struct {
		HistoryURL string  `yaml:"history_url"`
		StreamURL  string  `yaml:"stream_url"`
		RateLimit  float64 `yaml:"rate_limit"`
		RateBurst  int     `yaml:"rate_burst"`
	} `yaml:"feed"`
	Chart struct {
		Symbol     string `yaml:"symbol"`
		Period     string `yaml:"period"`
		AdjustType string `yaml:"adjust_type"`
		FetchLimit int    `yaml:"fetch_limit"`
	} `yaml:"chart"`
	Reconnect struct {
		BaseDelaySeconds float64 `yaml:"base_delay_seconds"`
		Factor           float64 `yaml:"factor"`
		MaxAttempts      int     `yaml:"max_attempts"`
	} `yaml:"reconnect"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type WatchEntry struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name,omitempty"`
}
type WatchlistFile struct {
	Watchlist []WatchEntry `yaml:"watchlist"`
}

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

func applyDefaults(cfg *AppConfig) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8089"
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "Asia/Hong_Kong"
	}
	if strings.TrimSpace(cfg.Feed.HistoryURL) == "" {
		cfg.Feed.HistoryURL = "http://127.0.0.1:9000"
	}
	if strings.TrimSpace(cfg.Feed.StreamURL) == "" {
		cfg.Feed.StreamURL = "ws://127.0.0.1:9000/v1/stream"
	}
	if cfg.Feed.RateLimit <= 0 {
		cfg.Feed.RateLimit = 10
	}
	if cfg.Feed.RateBurst <= 0 {
		cfg.Feed.RateBurst = 5
	}
	if strings.TrimSpace(cfg.Chart.Symbol) == "" {
		cfg.Chart.Symbol = "700.HK"
	}
	if strings.TrimSpace(cfg.Chart.Period) == "" {
		cfg.Chart.Period = "day"
	}
	if strings.TrimSpace(cfg.Chart.AdjustType) == "" {
		cfg.Chart.AdjustType = "no_adjust"
	}
	if cfg.Chart.FetchLimit <= 0 {
		cfg.Chart.FetchLimit = 500
	}
	if cfg.Reconnect.BaseDelaySeconds <= 0 {
		cfg.Reconnect.BaseDelaySeconds = 3
	}
	if cfg.Reconnect.Factor <= 1 {
		cfg.Reconnect.Factor = 1.5
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = 5
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

func mustLocation(log *logrus.Logger, tz string) *time.Location {
	if strings.TrimSpace(tz) == "" {
		tz = "Asia/Hong_Kong"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.WithError(err).Warn("timezone load failed, using Asia/Hong_Kong")
		if loc, err = time.LoadLocation("Asia/Hong_Kong"); err != nil {
			loc = time.UTC
		}
	}
	return loc
}

// collectSymbols canonicalizes the watchlist, dropping blanks and
// duplicates while keeping file order.
func collectSymbols(wl WatchlistFile) []string {
	var symbols []string
	seen := make(map[string]struct{})
	for _, w := range wl.Watchlist {
		s := symbol.Canonicalize(w.Symbol)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	return symbols
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

/* ====================
   UI messages
   ==================== */

type noticeMsg struct {
	Type      string `json:"type"` // "notice"
	Level     string `json:"level"`
	Text      string `json:"text"`
	Retryable bool   `json:"retryable,omitempty"`
}

type connMsg struct {
	Type  string `json:"type"` // "conn"
	State string `json:"state"`
}

type quoteMsg struct {
	Type string `json:"type"` // "quote"
	market.Quote
}

type barMsg struct {
	Type   string     `json:"type"` // "bar"
	Symbol string     `json:"symbol"`
	Period string     `json:"period"`
	Bar    candle.Bar `json:"bar"`
}

type seriesMsg struct {
	Type       string       `json:"type"` // "bars"
	Symbol     string       `json:"symbol"`
	Period     string       `json:"period"`
	AdjustType string       `json:"adjust_type"`
	Bars       []candle.Bar `json:"bars"`
}

type watchedMsg struct {
	Type    string   `json:"type"` // "watched"
	Symbols []string `json:"symbols"`
}

type controlMsg struct {
	Type   string `json:"type"`   // "control"
	Action string `json:"action"` // pause | resume | reload | reconnect
}

/* ====================
   Websocket hub
   ==================== */

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

type client struct {
	c      *websocket.Conn
	out    chan any
	done   chan struct{}
	paused atomic.Bool
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	greet   func(cl *client)
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.out <- v:
		default:
		}
	}
}

func (h *hub) serveWS(onControl func(cl *client, ctrl controlMsg)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		cl := &client{c: conn, out: make(chan any, 256), done: make(chan struct{})}
		h.mu.Lock()
		h.clients[cl] = struct{}{}
		h.mu.Unlock()

		// writer
		go func() {
			ping := time.NewTicker(45 * time.Second)
			defer ping.Stop()
			for {
				select {
				case v := <-cl.out:
					if cl.paused.Load() {
						// paused tabs still see notices and connection state
						switch v.(type) {
						case noticeMsg, connMsg:
						default:
							continue
						}
					}
					_ = conn.WriteJSON(v)
				case <-ping.C:
					_ = conn.WriteMessage(websocket.PingMessage, nil)
				case <-cl.done:
					return
				}
			}
		}()

		// greet with the current board state
		if h.greet != nil {
			h.greet(cl)
		}

		// reader
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			return nil
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.TextMessage {
				continue
			}
			var ctrl controlMsg
			if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Type != "control" {
				continue
			}
			switch strings.ToLower(ctrl.Action) {
			case "pause":
				cl.paused.Store(true)
				select {
				case cl.out <- noticeMsg{Type: "notice", Level: "info", Text: "Paused (this tab)"}:
				default:
				}
			case "resume":
				cl.paused.Store(false)
				select {
				case cl.out <- noticeMsg{Type: "notice", Level: "success", Text: "Resumed (this tab)"}:
				default:
				}
			default:
				if onControl != nil {
					onControl(cl, ctrl)
				}
			}
		}
		close(cl.done)
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
	}
}

/* ====================
   HTTP API
   ==================== */

type server struct {
	log     *logrus.Logger
	cfg     AppConfig
	hub     *hub
	session *chart.Session
	quotes  *market.Store
	feed    *stream.Manager
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) seriesSnapshot() seriesMsg {
	sel := s.session.Selection()
	bars := s.session.Bars()
	if bars == nil {
		bars = []candle.Bar{}
	}
	return seriesMsg{
		Type:       "bars",
		Symbol:     sel.Symbol,
		Period:     string(sel.Period),
		AdjustType: string(sel.Adjust),
		Bars:       bars,
	}
}

func (s *server) quoteBoard() []market.Quote {
	all := s.quotes.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Symbol < all[j].Symbol })
	return all
}

func (s *server) broadcastSeries() {
	s.hub.broadcast(s.seriesSnapshot())
}

func (s *server) loadFailed(err error) {
	s.log.WithError(err).Warn("history load failed")
	s.hub.broadcast(noticeMsg{
		Type:      "notice",
		Level:     "error",
		Text:      "History load failed: " + err.Error(),
		Retryable: true,
	})
}

func (s *server) greet(cl *client) {
	push := func(v any) {
		select {
		case cl.out <- v:
		default:
		}
	}
	push(noticeMsg{Type: "notice", Level: "info", Text: "Connected"})
	push(connMsg{Type: "conn", State: s.feed.State().String()})
	push(s.seriesSnapshot())
	for _, q := range s.quoteBoard() {
		push(quoteMsg{Type: "quote", Quote: q})
	}
}

func (s *server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Symbol     string `json:"symbol"`
		Period     string `json:"period"`
		AdjustType string `json:"adjust_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}
	cur := s.session.Selection()
	period, err := candle.ParsePeriod(firstNonEmpty(req.Period, string(cur.Period), s.cfg.Chart.Period))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	adjust, err := candle.ParseAdjust(firstNonEmpty(req.AdjustType, string(cur.Adjust), s.cfg.Chart.AdjustType))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.session.Select(r.Context(), req.Symbol, period, adjust); err != nil {
		s.loadFailed(err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error(), "retryable": true})
		return
	}
	s.broadcastSeries()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "selection": s.session.Selection()})
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Reload(r.Context()); err != nil {
		s.loadFailed(err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error(), "retryable": true})
		return
	}
	s.broadcastSeries()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "selection": s.session.Selection()})
}

func (s *server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.feed.Reset()
	s.hub.broadcast(noticeMsg{Type: "notice", Level: "info", Text: "Reconnect requested"})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "reconnect requested"})
}

func (s *server) handleBars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(s.seriesSnapshot())
}

func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	var (
		q  market.Quote
		ok bool
	)
	if sym := strings.TrimSpace(r.URL.Query().Get("symbol")); sym != "" {
		q, ok = s.quotes.Get(sym)
	} else {
		// without a symbol the answer is the chart on screen
		q, ok = s.session.Quote()
	}
	if !ok {
		http.Error(w, "no quote", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(quoteMsg{Type: "quote", Quote: q})
}

func (s *server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]any{"quotes": s.quoteBoard()})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sel := s.session.Selection()
	out := struct {
		ConnState     string          `json:"conn_state"`
		Selection     chart.Selection `json:"selection"`
		Bars          int             `json:"bars"`
		Quotes        int             `json:"quotes"`
		DroppedFrames uint64          `json:"dropped_frames"`
	}{
		ConnState:     s.feed.State().String(),
		Selection:     sel,
		Bars:          len(s.session.Bars()),
		Quotes:        s.quotes.Len(),
		DroppedFrames: s.feed.Dropped(),
	}
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(out)
}

/* ====================
   main
   ==================== */

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	watchlistPath := flag.String("watchlist", "watchlist.yaml", "path to watchlist file")
	addrOverride := flag.String("addr", "", "override listen_addr")
	flag.Parse()

	_ = godotenv.Load(".env")

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var cfg AppConfig
	if err := loadYAML(*configPath, &cfg); err != nil {
		log.WithError(err).Fatalf("load %s", *configPath)
	}
	applyDefaults(&cfg)
	if lvl := strings.TrimSpace(os.Getenv("CANDLEBOARD_LOG_LEVEL")); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if a := strings.TrimSpace(os.Getenv("CANDLEBOARD_ADDR")); a != "" {
		cfg.ListenAddr = a
	}
	if strings.TrimSpace(*addrOverride) != "" {
		cfg.ListenAddr = *addrOverride
	}
	apiToken := strings.TrimSpace(os.Getenv("CANDLEBOARD_API_TOKEN"))

	var wl WatchlistFile
	if err := loadYAML(*watchlistPath, &wl); err != nil {
		log.WithError(err).Fatalf("load %s", *watchlistPath)
	}
	symbols := collectSymbols(wl)
	if len(symbols) == 0 {
		log.Fatal("watchlist is empty")
	}

	loc := mustLocation(log, cfg.Timezone)

	header := http.Header{}
	if apiToken != "" {
		header.Set("Authorization", "Bearer "+apiToken)
	}

	hist, err := history.NewClient(cfg.Feed.HistoryURL,
		history.WithHTTPClient(httpx.New(15*time.Second)),
		history.WithHeader(header),
		history.WithRateLimit(cfg.Feed.RateLimit, cfg.Feed.RateBurst),
	)
	if err != nil {
		log.WithError(err).Fatal("history client")
	}

	barStore := candle.NewStore(loc)
	quoteStore := market.NewStore()
	sess := chart.New(hist, barStore, quoteStore, log, chart.WithLimit(cfg.Chart.FetchLimit))

	feed := stream.NewManager(stream.Config{
		URL:           cfg.Feed.StreamURL,
		Header:        header,
		BaseDelay:     time.Duration(cfg.Reconnect.BaseDelaySeconds * float64(time.Second)),
		BackoffFactor: cfg.Reconnect.Factor,
		MaxAttempts:   cfg.Reconnect.MaxAttempts,
	}, log)

	h := newHub()
	srv := &server{log: log, cfg: cfg, hub: h, session: sess, quotes: quoteStore, feed: feed}
	h.greet = srv.greet

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// make sure the feed carries the whole board, then load the default chart
	if err := hist.Watch(ctx, symbols...); err != nil {
		log.WithError(err).Warn("watchlist ensure failed")
	}
	period, err := candle.ParsePeriod(cfg.Chart.Period)
	if err != nil {
		log.WithError(err).Fatal("config chart.period")
	}
	adjust, err := candle.ParseAdjust(cfg.Chart.AdjustType)
	if err != nil {
		log.WithError(err).Fatal("config chart.adjust_type")
	}
	if err := sess.Select(ctx, cfg.Chart.Symbol, period, adjust); err != nil {
		// the dashboard still comes up; the banner offers a retry
		log.WithError(err).Warn("initial history load failed")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS(func(cl *client, ctrl controlMsg) {
		switch strings.ToLower(ctrl.Action) {
		case "reconnect":
			feed.Reset()
			select {
			case cl.out <- noticeMsg{Type: "notice", Level: "info", Text: "Reconnect requested"}:
			default:
			}
		case "reload":
			go func() {
				if err := sess.Reload(ctx); err != nil {
					srv.loadFailed(err)
					return
				}
				srv.broadcastSeries()
			}()
		}
	}))
	mux.HandleFunc("/api/bars", srv.handleBars)
	mux.HandleFunc("/api/quote", srv.handleQuote)
	mux.HandleFunc("/api/quotes", srv.handleQuotes)
	mux.HandleFunc("/api/select", srv.handleSelect)
	mux.HandleFunc("/api/reload", srv.handleReload)
	mux.HandleFunc("/api/reconnect", srv.handleReconnect)
	mux.HandleFunc("/api/status", srv.handleStatus)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feed.Run(ctx)
	})
	g.Go(func() error { // quote pump
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case q := <-feed.Quotes():
				stored, bar, sel, merged := sess.Apply(q)
				if stored.Symbol == "" {
					continue
				}
				h.broadcast(quoteMsg{Type: "quote", Quote: stored})
				if merged {
					h.broadcast(barMsg{Type: "bar", Symbol: sel.Symbol, Period: string(sel.Period), Bar: bar})
				}
			}
		}
	})
	g.Go(func() error { // connection state pump
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case st := <-feed.States():
				log.WithField("state", st.String()).Info("stream state")
				h.broadcast(connMsg{Type: "conn", State: st.String()})
			}
		}
	})
	g.Go(func() error { // feed-side subscription list pump
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case syms := <-feed.Watched():
				h.broadcast(watchedMsg{Type: "watched", Symbols: syms})
			}
		}
	})
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutCtx)
			return ctx.Err()
		case err := <-errCh:
			return err
		}
	})

	log.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "symbols": len(symbols)}).Info("dashboard API listening")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}
}
