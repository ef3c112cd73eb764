package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"curtail-control/internal/audit"
	"curtail-control/internal/audit/natsaudit"
	"curtail-control/internal/bus/embeddednats"
	"curtail-control/internal/bus/natsjs"
	"curtail-control/internal/cache"
	"curtail-control/internal/curtail"
	"curtail-control/internal/events"
	"curtail-control/internal/fleetcfg"
	"curtail-control/internal/logging"
	"curtail-control/internal/market"
	"curtail-control/internal/market/httpsource"
	"curtail-control/internal/miner"
	"curtail-control/internal/registry"
	"curtail-control/internal/retry"
	"curtail-control/internal/secrets"
	"curtail-control/internal/settings"
	"curtail-control/internal/version"
)

func main() {
	cfgStore, err := settings.Open("data")
	if err != nil {
		panic(err)
	}
	cfg := cfgStore.Get()

	log, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	startedAt := time.Now()
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sec, err := secrets.Open("data")
	if err != nil {
		log.Fatal("secrets open", zap.Error(err))
	}

	// Embedded NATS (optional) — start before any client connections.
	var embMu sync.Mutex
	var emb *embeddednats.Server
	startEmbedded := func(s settings.Settings) {
		embMu.Lock()
		defer embMu.Unlock()
		if emb != nil {
			emb.Shutdown()
			emb = nil
		}
		if !s.EmbeddedNATS.Enabled {
			return
		}
		server, err := embeddednats.Start(embeddednats.Config{
			Host:     s.EmbeddedNATS.Host,
			Port:     s.EmbeddedNATS.Port,
			HTTPPort: s.EmbeddedNATS.HTTPPort,
			StoreDir: s.EmbeddedNATS.StoreDir,
		})
		if err != nil {
			log.Warn("embedded nats start failed", zap.Error(err))
			return
		}
		emb = server
		log.Info("embedded nats started",
			zap.String("host", s.EmbeddedNATS.Host),
			zap.Int("port", s.EmbeddedNATS.Port),
			zap.Int("http_port", s.EmbeddedNATS.HTTPPort),
		)
	}
	startEmbedded(cfg)

	schema, err := events.LoadSchema()
	if err != nil {
		log.Fatal("load proto schema", zap.Error(err))
	}
	busAudit := natsaudit.New(log, schema)
	auditRec := audit.Multi{audit.NewLog(log), busAudit}

	// Fleet registry over persisted settings (plus RouterOS leases when
	// built with the mikrotik tag).
	reg := registry.New(fleetSource(log, cfgStore, sec))
	if _, err := reg.LoadConfigs(rootCtx); err != nil {
		log.Warn("initial fleet load failed", zap.Error(err))
	}

	buildHub := func(s settings.Settings) *market.Hub {
		m := s.Market
		policy := retry.Policy{MaxAttempts: m.RetryAttempts, AttemptTimeout: m.AttemptTimeout}
		price := []market.PriceSource{
			httpsource.NewCoinGecko(m.CoinGeckoURL, m.AttemptTimeout),
			httpsource.NewCoinbase(m.CoinbaseURL, m.AttemptTimeout),
		}
		chain := []market.ChainSource{
			httpsource.NewMempool(m.MempoolURL, m.AttemptTimeout),
			httpsource.NewBlockchainInfo(m.BlockchainInfoURL, m.AttemptTimeout),
		}
		return market.NewHub(log, cache.New(), auditRec,
			market.HubConfig{Policy: policy, PriceTTL: m.PriceTTL, ChainTTL: m.ChainTTL},
			price, chain)
	}

	var hubMu sync.RWMutex
	hub := buildHub(cfg)
	getHub := func() *market.Hub {
		hubMu.RLock()
		defer hubMu.RUnlock()
		return hub
	}

	svc := curtail.NewService(log, reg, auditRec)

	// NATS is optional at runtime: core must start even if NATS is down.
	var natsMu sync.Mutex
	var natsClient *natsjs.Client
	var natsConnected atomic.Bool
	var natsLastErr atomic.Value // string

	reconnectCh := make(chan struct{}, 1)
	requestReconnect := func() {
		select {
		case reconnectCh <- struct{}{}:
		default:
		}
	}

	// connect loop
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				busAudit.SetPublisher(nil)
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			default:
			}
			cfg := cfgStore.Get()

			c, err := natsjs.Connect(natsjs.Config{
				URL:     cfg.NATSURL,
				Prefix:  cfg.NATSPrefix,
				Timeout: 2 * time.Second,
			})
			if err == nil {
				err = c.EnsureStreams()
				if err != nil {
					_ = c.Close()
				}
			}
			if err != nil {
				natsConnected.Store(false)
				natsLastErr.Store(err.Error())
				select {
				case <-rootCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				case <-reconnectCh:
					continue
				}
			}

			natsMu.Lock()
			if natsClient != nil {
				_ = natsClient.Close()
			}
			natsClient = c
			natsMu.Unlock()

			natsConnected.Store(true)
			natsLastErr.Store("")
			busAudit.SetPublisher(c)
			log.Info("nats connected", zap.String("url", cfg.NATSURL))

			select {
			case <-rootCtx.Done():
				natsConnected.Store(false)
				busAudit.SetPublisher(nil)
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			case <-reconnectCh:
			}
			natsConnected.Store(false)
			busAudit.SetPublisher(nil)
		}
	}()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	writeErr := func(w http.ResponseWriter, err error) {
		var allFailed *market.AllSourcesFailedError
		switch {
		case errors.Is(err, miner.ErrNotFound), errors.Is(err, curtail.ErrPlanNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, miner.ErrInvalidArgument), errors.Is(err, curtail.ErrNotConfirmed):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, curtail.ErrAlreadyExecuting),
			errors.Is(err, curtail.ErrAlreadyExecuted),
			errors.Is(err, curtail.ErrAlreadyRolledBack),
			errors.Is(err, curtail.ErrRollbackInProgress),
			errors.Is(err, curtail.ErrNotExecuted):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.As(err, &allFailed),
			errors.Is(err, market.ErrUpstream),
			errors.Is(err, market.ErrUpstreamTimeout),
			errors.Is(err, miner.ErrConnectivity):
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		errStr, _ := natsLastErr.Load().(string)
		embMu.Lock()
		embOn := emb != nil
		embMu.Unlock()
		writeJSON(w, map[string]any{
			"nats_connected": natsConnected.Load(),
			"nats_error":     errStr,
			"embedded_nats":  embOn,
			"started_at":     startedAt.Format(time.RFC3339),
			"uptime_s":       int64(time.Since(startedAt).Seconds()),
		})
	})

	// Market data
	r.Get("/api/price", func(w http.ResponseWriter, r *http.Request) {
		res, err := getHub().GetPrice(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, res)
	})
	r.Get("/api/chain", func(w http.ResponseWriter, r *http.Request) {
		res, err := getHub().GetChainData(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, res)
	})
	r.Get("/api/all", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, getHub().GetAll(r.Context()))
	})

	// Fleet
	r.Get("/api/miners", func(w http.ResponseWriter, r *http.Request) {
		states, err := svc.FleetStates(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, states)
	})
	r.Get("/api/miners/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		a, err := reg.Lookup(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		st, err := a.ReadState(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, st)
	})
	r.Post("/api/miners/{id}/power-limit", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		var req struct {
			Limit     float64 `json:"limit"`
			Confirmed bool    `json:"confirmed"`
			Actor     string  `json:"actor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if !req.Confirmed {
			http.Error(w, "confirmed required", http.StatusBadRequest)
			return
		}
		a, err := reg.Lookup(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := a.SetPowerLimit(r.Context(), req.Limit); err != nil {
			auditRec.RecordCommand(id, "set_power_limit", req.Actor, "error", err.Error())
			writeErr(w, err)
			return
		}
		auditRec.RecordCommand(id, "set_power_limit", req.Actor, "ok", fmt.Sprintf("-> %.2f", req.Limit))
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/api/miners/{id}/reboot", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		var req struct {
			Confirmed bool   `json:"confirmed"`
			Actor     string `json:"actor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Confirmed {
			http.Error(w, "confirmed required", http.StatusBadRequest)
			return
		}
		a, err := reg.Lookup(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := a.Reboot(r.Context()); err != nil {
			auditRec.RecordCommand(id, "reboot", req.Actor, "error", err.Error())
			writeErr(w, err)
			return
		}
		auditRec.RecordCommand(id, "reboot", req.Actor, "ok", "")
		w.WriteHeader(http.StatusAccepted)
	})

	// Fleet config (credentials encrypted before they hit settings.json)
	r.Post("/api/fleet/miners", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID       string `json:"id"`
			Model    string `json:"model"`
			Address  string `json:"address"`
			Protocol string `json:"protocol"`
			Enabled  bool   `json:"enabled"`
			Note     string `json:"note"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		req.ID = strings.TrimSpace(req.ID)
		req.Protocol = strings.TrimSpace(strings.ToLower(req.Protocol))
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if req.Address == "" || req.Protocol == "" {
			http.Error(w, "address and protocol required", http.StatusBadRequest)
			return
		}
		m := settings.Miner{
			ID:       req.ID,
			Model:    req.Model,
			Address:  req.Address,
			Protocol: req.Protocol,
			Enabled:  req.Enabled,
			Note:     req.Note,
		}
		if err := fleetcfg.Seal(sec, &m, req.Username, req.Password); err != nil {
			http.Error(w, "encrypt credentials failed", http.StatusInternalServerError)
			return
		}
		var dup bool
		_ = cfgStore.Patch(func(s *settings.Settings) {
			for _, x := range s.Miners {
				if x.ID == m.ID {
					dup = true
					return
				}
			}
			s.Miners = append(s.Miners, m)
		})
		if dup {
			http.Error(w, "miner id already exists", http.StatusConflict)
			return
		}
		if _, err := reg.LoadConfigs(r.Context()); err != nil {
			log.Warn("fleet reload failed", zap.Error(err))
		}
		writeJSON(w, map[string]any{"id": m.ID})
	})
	r.Delete("/api/fleet/miners/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		var removed bool
		_ = cfgStore.Patch(func(s *settings.Settings) {
			out := s.Miners[:0]
			for _, m := range s.Miners {
				if m.ID == id {
					removed = true
					continue
				}
				out = append(out, m)
			}
			s.Miners = out
		})
		if !removed {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if _, err := reg.LoadConfigs(r.Context()); err != nil {
			log.Warn("fleet reload failed", zap.Error(err))
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Curtailment
	r.Post("/api/curtailment/plan", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TargetSavingsUSDPerDay    float64  `json:"target_savings_usd_per_day"`
			ElectricityPriceUSDPerKWh *float64 `json:"electricity_price_usd_per_kwh"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		elec := cfgStore.Get().Curtailment.ElectricityPriceUSDPerKWh
		if req.ElectricityPriceUSDPerKWh != nil {
			elec = *req.ElectricityPriceUSDPerKWh
		}

		price, err := getHub().GetPrice(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		var chainData *market.ChainData
		if c, err := getHub().GetChainData(r.Context()); err == nil {
			chainData = &c.ChainData
		} else {
			// plan math falls back to a fixed sat/TH estimate
			log.Warn("chain data unavailable for planning", zap.Error(err))
		}
		states, err := svc.FleetStates(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}

		plan, err := svc.CalculatePlan(curtail.PlanInput{
			ElectricityPriceUSDPerKWh: elec,
			BTCPriceUSD:               price.ValueUSD,
			TargetSavingsUSDPerDay:    req.TargetSavingsUSDPerDay,
			States:                    states,
			Chain:                     chainData,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, plan)
	})
	r.Get("/api/curtailment/plans", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Plans())
	})
	r.Get("/api/curtailment/plans/{id}", func(w http.ResponseWriter, r *http.Request) {
		plan, err := svc.Plan(strings.TrimSpace(chi.URLParam(r, "id")))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, plan)
	})
	r.Post("/api/curtailment/plans/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		var req struct {
			Confirmed bool   `json:"confirmed"`
			Actor     string `json:"actor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		plan, err := svc.ExecutePlan(r.Context(), id, req.Confirmed, req.Actor)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, plan)
	})
	r.Post("/api/curtailment/plans/{id}/rollback", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		var req struct {
			Actor string `json:"actor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		plan, err := svc.RollbackPlan(r.Context(), id, req.Actor)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, plan)
	})

	// Settings
	r.Get("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfgStore.Get())
	})
	r.Put("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		var s settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		// Fleet entries are edited via /api/fleet/miners; never allow a
		// settings PUT to wipe encrypted credentials.
		prev := cfgStore.Get()
		s.Miners = prev.Miners
		if s.MikroTik.PasswordEnc == "" {
			s.MikroTik.PasswordEnc = prev.MikroTik.PasswordEnc
		}
		if s.Version == 0 {
			s.Version = 1
		}
		def := settings.Defaults()
		if s.HTTPAddr == "" {
			s.HTTPAddr = def.HTTPAddr
		}
		if s.LogLevel == "" {
			s.LogLevel = def.LogLevel
		}
		if s.NATSURL == "" {
			s.NATSURL = def.NATSURL
		}
		if s.NATSPrefix == "" {
			s.NATSPrefix = def.NATSPrefix
		}
		if s.EmbeddedNATS.Host == "" {
			s.EmbeddedNATS.Host = def.EmbeddedNATS.Host
		}
		if s.EmbeddedNATS.Port == 0 {
			s.EmbeddedNATS.Port = def.EmbeddedNATS.Port
		}
		if s.EmbeddedNATS.HTTPPort == 0 {
			s.EmbeddedNATS.HTTPPort = def.EmbeddedNATS.HTTPPort
		}
		if s.EmbeddedNATS.StoreDir == "" {
			s.EmbeddedNATS.StoreDir = def.EmbeddedNATS.StoreDir
		}
		if s.Market.PriceTTL <= 0 {
			s.Market.PriceTTL = def.Market.PriceTTL
		}
		if s.Market.ChainTTL <= 0 {
			s.Market.ChainTTL = def.Market.ChainTTL
		}
		if s.Market.RetryAttempts <= 0 {
			s.Market.RetryAttempts = def.Market.RetryAttempts
		}
		if s.Market.AttemptTimeout <= 0 {
			s.Market.AttemptTimeout = def.Market.AttemptTimeout
		}
		if s.Curtailment.ElectricityPriceUSDPerKWh <= 0 {
			s.Curtailment.ElectricityPriceUSDPerKWh = def.Curtailment.ElectricityPriceUSDPerKWh
		}
		if err := cfgStore.Update(s); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Apply changes immediately (best-effort).
		hubMu.Lock()
		hub = buildHub(s)
		hubMu.Unlock()
		startEmbedded(s)
		requestReconnect()
		writeJSON(w, cfgStore.Get())
	})

	// Exit (two clicks for junior ops: Settings -> Exit)
	exitCh := make(chan struct{}, 1)
	r.Post("/api/admin/exit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("bye"))
		select {
		case exitCh <- struct{}{}:
		default:
		}
	})

	addr := cfgStore.Get().HTTPAddr
	ln, actualAddr, err := listenWithFallback(addr)
	if err != nil {
		log.Fatal("http listen", zap.String("addr", addr), zap.Error(err))
	}
	if actualAddr != addr {
		log.Warn("http addr was busy; switched", zap.String("from", addr), zap.String("to", actualAddr))
		_ = cfgStore.Patch(func(s *settings.Settings) { s.HTTPAddr = actualAddr })
	}
	srv := &http.Server{Handler: r}
	go func() {
		log.Info("core http listening", zap.String("addr", actualAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", zap.Error(err))
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case <-rootCtx.Done():
	case <-exitCh:
	}

	// Stop NATS client
	natsConnected.Store(false)
	busAudit.SetPublisher(nil)
	natsMu.Lock()
	if natsClient != nil {
		_ = natsClient.Close()
		natsClient = nil
	}
	natsMu.Unlock()

	// Stop embedded NATS
	embMu.Lock()
	if emb != nil {
		emb.Shutdown()
		emb = nil
	}
	embMu.Unlock()

	// Stop HTTP
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = srv.Shutdown(ctxTimeout)
	cancel()
}

func listenWithFallback(addr string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}

	if !isAddrInUse(err) {
		return nil, "", err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		if len(addr) > 0 && addr[0] == ':' {
			host = ""
			portStr = addr[1:]
		} else {
			return nil, "", err
		}
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		return nil, "", err
	}

	for i := 1; i <= 20; i++ {
		tryAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port+i))
		ln, e := net.Listen("tcp", tryAddr)
		if e == nil {
			return ln, tryAddr, nil
		}
	}
	return nil, "", err
}

func isAddrInUse(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "address already in use") ||
		strings.Contains(s, "only one usage of each socket address")
}
