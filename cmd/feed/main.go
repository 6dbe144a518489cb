package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/orderfeed/ingest/internal/bus"
	"github.com/orderfeed/ingest/internal/config"
	"github.com/orderfeed/ingest/internal/metrics"
	"github.com/orderfeed/ingest/internal/middleware"
	"github.com/orderfeed/ingest/internal/repository"
	"github.com/orderfeed/ingest/internal/sequence"
	"github.com/orderfeed/ingest/internal/service"
	"github.com/orderfeed/ingest/internal/stream"
	"github.com/orderfeed/ingest/internal/ws"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/health"
	"github.com/orderfeed/ingest/pkg/logger"
	feedredis "github.com/orderfeed/ingest/pkg/redis"
	"github.com/orderfeed/ingest/pkg/response"
	"github.com/orderfeed/ingest/pkg/tracing"
	"github.com/orderfeed/ingest/pkg/validate"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const maxBodyBytes int64 = 4 << 20

type redisHealthClient struct {
	client *redis.Client
}

func (c redisHealthClient) Ping(ctx context.Context) health.RedisPingCmd {
	return c.client.Ping(ctx)
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	shutdownTracing, err := tracing.InitFromEnv(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init tracing: %v\n", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	l := logger.New(cfg.ServiceName, os.Stdout)
	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	if err := cfg.Validate(); err != nil {
		l.Error(fmt.Sprintf("Invalid config: %v", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	healthz := health.New()

	// 存储后端
	var (
		orderStore repository.OrderStore
		errStore   repository.ErrorStore
		memOrders  *repository.MemoryOrderStore
		memErrors  *repository.MemoryErrorStore
		db         *sql.DB
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			l.Error(fmt.Sprintf("Failed to open database: %v", err))
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			l.Error(fmt.Sprintf("Failed to ping database: %v", err))
			os.Exit(1)
		}
		l.Info("Connected to PostgreSQL")

		orderStore = repository.NewPostgresOrderStore(db)
		errStore = repository.NewPostgresErrorStore(db)
		healthz.Register(health.NewPostgresChecker(db))
	default:
		memOrders, err = repository.NewMemoryOrderStore(cfg.OrdersSnapshotPath(), cfg.OrdersFlushInterval)
		if err != nil {
			l.Error(fmt.Sprintf("Failed to load order snapshot: %v", err))
			os.Exit(1)
		}
		memErrors, err = repository.NewMemoryErrorStore(cfg.ErrorsSnapshotPath(), cfg.OrdersFlushInterval)
		if err != nil {
			l.Error(fmt.Sprintf("Failed to load error snapshot: %v", err))
			os.Exit(1)
		}
		memOrders.OnPersistError(func(err error) {
			m.IncPersistError("orders")
			l.Error(fmt.Sprintf("order snapshot write failed: %v", err))
		})
		memErrors.OnPersistError(func(err error) {
			m.IncPersistError("errors")
			l.Error(fmt.Sprintf("error snapshot write failed: %v", err))
		})
		orderStore = memOrders
		errStore = memErrors
		if cfg.OrdersSnapshotPath() != "" {
			healthz.Register(health.NewLoopChecker("orders_snapshot", memOrders.Monitor(), 0))
			healthz.Register(health.NewLoopChecker("errors_snapshot", memErrors.Monitor(), 0))
		}
	}

	// 序号发生器（每伙伴独立单调递增）
	seq, err := sequence.New(cfg.SequencePath(), cfg.SequenceFlushInterval)
	if err != nil {
		l.Error(fmt.Sprintf("Failed to load sequence snapshot: %v", err))
		os.Exit(1)
	}
	seq.OnPersistError(func(err error) {
		m.IncPersistError("sequences")
		l.Error(fmt.Sprintf("sequence snapshot write failed: %v", err))
	})

	b := bus.New(l, m)
	feedSvc := service.NewFeedService(seq, b, l, m)
	if cfg.RejectDuplicates {
		feedSvc.EnableDuplicateRejection(orderStore)
	}
	querySvc := service.NewQueryService(orderStore, errStore)

	var wsrv *ws.Server
	if cfg.WSEnabled {
		wsrv = ws.NewServer(l, &ws.Config{AllowedOrigins: cfg.WSAllowedOrigins})
	}

	wireSubscribers(b, orderStore, errStore, m, wsrv)

	// Redis Streams 桥接（出站镜像与独立落库消费者）
	var publisher *stream.Publisher
	if cfg.StreamBridgeEnabled || cfg.StreamConsumerEnabled {
		redisCfg, err := feedredis.LoadConfigFromEnv()
		if err != nil {
			l.Error(fmt.Sprintf("Invalid Redis config: %v", err))
			os.Exit(1)
		}
		redisClient, err := feedredis.NewClient(redisCfg)
		if err != nil {
			l.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
			os.Exit(1)
		}
		defer redisClient.Close()
		l.Info("Connected to Redis")

		streamClient := feedredis.NewStreamClient(redisClient.Client)
		if cfg.StreamBridgeEnabled {
			publisher = stream.NewPublisher(streamClient, cfg.ValidOrderStream, cfg.ErrorOrderStream, l, m)
			publisher.Attach(b)
		}
		if cfg.StreamConsumerEnabled {
			sc := stream.NewConsumer(streamClient, orderStore, errStore, stream.ConsumerConfig{
				Group:            cfg.StreamGroup,
				Consumer:         cfg.StreamConsumer,
				ValidOrderStream: cfg.ValidOrderStream,
				ErrorOrderStream: cfg.ErrorOrderStream,
			}, l)
			go func() {
				if err := sc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					l.Error(fmt.Sprintf("stream consumer stopped: %v", err))
				}
			}()
			healthz.Register(health.NewLoopChecker("stream_consumer", sc.Monitor(), 45*time.Second))
		}
		healthz.Register(health.NewRedisChecker(redisHealthClient{client: redisClient.Client}))
	}
	healthz.SetReady(true)

	// 错误事件保留期清理
	var retentionCron *cron.Cron
	if cfg.ErrorRetentionHours > 0 {
		retention := time.Duration(cfg.ErrorRetentionHours) * time.Hour
		retentionCron = cron.New()
		_, err := retentionCron.AddFunc("@every 1h", func() {
			sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer sweepCancel()
			removed, err := errStore.DeleteOlderThan(sweepCtx, time.Now().Add(-retention))
			if err != nil {
				l.Error(fmt.Sprintf("error retention sweep failed: %v", err))
				return
			}
			if removed > 0 {
				l.Info(fmt.Sprintf("error retention sweep removed %d records", removed))
			}
		})
		if err != nil {
			l.Error(fmt.Sprintf("Failed to schedule retention sweep: %v", err))
			os.Exit(1)
		}
		retentionCron.Start()
	}

	if wsrv != nil {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.Info(fmt.Sprintf("feed ws connections: %d", wsrv.ClientCount()))
				}
			}
		}()
	}

	mux := newMux(cfg, m, feedSvc, querySvc, wsrv, healthz)

	var handler http.Handler = mux
	if cfg.RateLimitPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimitPerSecond, time.Second)
		handler = middleware.RateLimit(limiter, middleware.IPKeyFunc)(handler)
	}
	handler = corsMiddleware(cfg.CORSOrigin, handler)
	handler = loggingMiddleware(l, handler)
	handler = response.RequestIDMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)
	handler = limitBodyMiddleware(maxBodyBytes, handler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error(fmt.Sprintf("HTTP server error: %v", err))
			os.Exit(1)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error(fmt.Sprintf("HTTP shutdown error: %v", err))
	}
	if wsrv != nil {
		wsrv.CloseAll()
	}
	if retentionCron != nil {
		retentionCron.Stop()
	}
	if publisher != nil {
		publisher.Close()
	}
	if err := seq.Close(); err != nil {
		l.Error(fmt.Sprintf("Sequence close error: %v", err))
	}
	if memOrders != nil {
		if err := memOrders.Close(); err != nil {
			l.Error(fmt.Sprintf("Order snapshot close error: %v", err))
		}
		if err := memErrors.Close(); err != nil {
			l.Error(fmt.Sprintf("Error snapshot close error: %v", err))
		}
	}
	l.Info("Shutdown complete")
}

// wireSubscribers 按固定顺序挂接事件订阅：仓储落库 -> 指标 -> WS 推送。
// Redis Stream 桥接由 Publisher.Attach 追加在最后。
func wireSubscribers(b *bus.EventBus, orderStore repository.OrderStore, errStore repository.ErrorStore, m *metrics.Metrics, wsrv *ws.Server) {
	b.Subscribe(bus.EventValidOrder, func(evt bus.Event) error {
		payload, ok := evt.Payload.(bus.ValidOrderPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", evt.Payload)
		}
		order := payload.Order
		return orderStore.Save(context.Background(), &order)
	})
	b.Subscribe(bus.EventErrorOrder, func(evt bus.Event) error {
		payload, ok := evt.Payload.(bus.ErrorOrderPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", evt.Payload)
		}
		return errStore.Save(context.Background(), payload.Record(evt.ID))
	})
	b.Subscribe(bus.EventValidOrder, func(evt bus.Event) error {
		n, err := orderStore.Count(context.Background(), repository.OrderFilters{})
		if err != nil {
			return err
		}
		m.SetOrdersStored(n)
		return nil
	})
	if wsrv != nil {
		b.Subscribe(bus.EventValidOrder, func(evt bus.Event) error {
			if payload, ok := evt.Payload.(bus.ValidOrderPayload); ok {
				wsrv.BroadcastOrder(payload.Order)
			}
			return nil
		})
		b.Subscribe(bus.EventErrorOrder, func(evt bus.Event) error {
			if payload, ok := evt.Payload.(bus.ErrorOrderPayload); ok {
				wsrv.BroadcastError(payload)
			}
			return nil
		})
	}
}

// newMux 注册全部路由。伙伴进件路由按需包一层 API Key 鉴权。
func newMux(cfg *config.Config, m *metrics.Metrics, feedSvc *service.FeedService, querySvc *service.QueryService, wsrv *ws.Server, healthz *health.Health) *http.ServeMux {
	mux := http.NewServeMux()

	// 进件路由
	feedMux := http.NewServeMux()
	feedMux.HandleFunc("/api/feed/partner-a", func(w http.ResponseWriter, r *http.Request) {
		handleFeedSingle(w, r, feedSvc, repository.PartnerA)
	})
	feedMux.HandleFunc("/api/feed/partner-a/batch", func(w http.ResponseWriter, r *http.Request) {
		handleFeedBatch(w, r, feedSvc, repository.PartnerA)
	})
	feedMux.HandleFunc("/api/feed/partner-b", func(w http.ResponseWriter, r *http.Request) {
		handleFeedSingle(w, r, feedSvc, repository.PartnerB)
	})
	feedMux.HandleFunc("/api/feed/partner-b/batch", func(w http.ResponseWriter, r *http.Request) {
		handleFeedBatch(w, r, feedSvc, repository.PartnerB)
	})
	feedMux.HandleFunc("/api/feed/", func(w http.ResponseWriter, r *http.Request) {
		response.WriteErrorCode(w, r, apperrors.CodeUnknownPartner, "unknown partner")
	})

	var feedHandler http.Handler = feedMux
	if cfg.EnableAPIAuth {
		ring := middleware.NewKeyRing()
		ring.SetPartnerKey(repository.PartnerA, cfg.PartnerAKey, cfg.PartnerAKeyHash)
		ring.SetPartnerKey(repository.PartnerB, cfg.PartnerBKey, cfg.PartnerBKeyHash)
		ring.SetMasterKey(cfg.MasterKey, cfg.MasterKeyHash)
		feedHandler = middleware.FeedAuth(ring, nil)(feedMux)
	}
	mux.Handle("/api/feed/", feedHandler)

	// 订单查询路由
	mux.HandleFunc("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		handleOrders(w, r, querySvc)
	})
	mux.HandleFunc("/api/orders/stats", func(w http.ResponseWriter, r *http.Request) {
		handleOrderStats(w, r, querySvc)
	})
	mux.HandleFunc("/api/orders/external/", func(w http.ResponseWriter, r *http.Request) {
		handleOrderByExternalID(w, r, querySvc)
	})
	mux.HandleFunc("/api/orders/by-partner/", func(w http.ResponseWriter, r *http.Request) {
		handleOrdersByPartner(w, r, querySvc)
	})
	mux.HandleFunc("/api/orders/by-customer/", func(w http.ResponseWriter, r *http.Request) {
		handleOrdersByCustomer(w, r, querySvc)
	})
	mux.HandleFunc("/api/orders/", func(w http.ResponseWriter, r *http.Request) {
		handleOrderByID(w, r, querySvc)
	})

	// 错误事件路由
	mux.HandleFunc("/api/errors", func(w http.ResponseWriter, r *http.Request) {
		handleErrors(w, r, querySvc)
	})
	mux.HandleFunc("/api/errors/stats", func(w http.ResponseWriter, r *http.Request) {
		handleErrorStats(w, r, querySvc)
	})
	mux.HandleFunc("/api/errors/", func(w http.ResponseWriter, r *http.Request) {
		handleErrorByID(w, r, querySvc)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, r, healthz)
	})
	mux.HandleFunc("/live", healthz.LiveHandler())
	mux.HandleFunc("/ready", healthz.ReadyHandler())
	mux.Handle("/metrics", m.Handler())
	if wsrv != nil {
		mux.HandleFunc("/ws/feed", wsrv.HandleWS)
	}

	return mux
}

type feedResponse struct {
	Status         string   `json:"status"`
	OrderID        string   `json:"orderId,omitempty"`
	PartnerID      string   `json:"partnerId"`
	SequenceNumber int64    `json:"sequenceNumber,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

type batchResponse struct {
	Total    int            `json:"total"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []feedResponse `json:"results"`
}

func toFeedResponse(res service.ProcessingResult) feedResponse {
	out := feedResponse{
		OrderID:   res.OrderID,
		PartnerID: res.PartnerID.String(),
	}
	if res.Success {
		out.Status = "accepted"
		out.SequenceNumber = res.SequenceNumber
	} else {
		out.Status = "rejected"
		out.Errors = validate.Messages(res.Errors)
	}
	return out
}

func handleFeedSingle(w http.ResponseWriter, r *http.Request, svc *service.FeedService, partner repository.PartnerID) {
	if r.Method != http.MethodPost {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}

	var raw any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "request body must be valid JSON")
		return
	}

	res := svc.ProcessSingle(r.Context(), partner, raw)
	status := http.StatusAccepted
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	response.WriteJSON(w, status, toFeedResponse(res))
}

func handleFeedBatch(w http.ResponseWriter, r *http.Request, svc *service.FeedService, partner repository.PartnerID) {
	if r.Method != http.MethodPost {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}

	var raw any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "request body must be valid JSON")
		return
	}
	items, ok := raw.([]any)
	if !ok {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "request body must be a JSON array")
		return
	}

	res := svc.ProcessBatch(r.Context(), partner, items)
	out := batchResponse{
		Total:    res.Total,
		Accepted: res.Accepted,
		Rejected: res.Rejected,
		Results:  make([]feedResponse, 0, len(res.Results)),
	}
	for _, item := range res.Results {
		out.Results = append(out.Results, toFeedResponse(item))
	}
	response.WriteJSON(w, http.StatusOK, out)
}

type orderPageResponse struct {
	Status string `json:"status"`
	*repository.OrderPage
}

type orderDetailResponse struct {
	Status string                 `json:"status"`
	Order  *repository.OrderEvent `json:"order"`
}

type errorPageResponse struct {
	Status string `json:"status"`
	*repository.ErrorPage
}

type errorDetailResponse struct {
	Status string                 `json:"status"`
	Error  *repository.ErrorEvent `json:"error"`
}

type statsResponse struct {
	Status     string `json:"status"`
	Statistics any    `json:"statistics"`
}

func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		response.WriteError(w, r, appErr)
		return
	}
	response.WriteErrorCode(w, r, apperrors.CodeInternalError, "internal error")
}

func handleOrders(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	page, err := svc.Orders(r.Context(), r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, orderPageResponse{Status: "success", OrderPage: page})
}

func handleOrderStats(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	stats, err := svc.OrderStats(r.Context(), r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, statsResponse{Status: "success", Statistics: stats})
}

func handleOrderByID(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	if id == "" || strings.Contains(id, "/") {
		response.WriteErrorCode(w, r, apperrors.CodeNotFound, "order not found")
		return
	}
	order, err := svc.OrderByID(r.Context(), id)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, orderDetailResponse{Status: "success", Order: order})
}

func handleOrderByExternalID(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/orders/external/")
	partnerRaw, externalID, ok := strings.Cut(rest, "/")
	if !ok || partnerRaw == "" || externalID == "" || strings.Contains(externalID, "/") {
		response.WriteErrorCode(w, r, apperrors.CodeNotFound, "order not found")
		return
	}
	order, err := svc.OrderByExternalID(r.Context(), partnerRaw, externalID)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, orderDetailResponse{Status: "success", Order: order})
}

func handleOrdersByPartner(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	partnerRaw := strings.TrimPrefix(r.URL.Path, "/api/orders/by-partner/")
	page, err := svc.OrdersByPartner(r.Context(), partnerRaw, r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, orderPageResponse{Status: "success", OrderPage: page})
}

func handleOrdersByCustomer(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	customerID := strings.TrimPrefix(r.URL.Path, "/api/orders/by-customer/")
	if customerID == "" {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "customerId required")
		return
	}
	page, err := svc.OrdersByCustomer(r.Context(), customerID, r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, orderPageResponse{Status: "success", OrderPage: page})
}

func handleErrors(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	page, err := svc.Errors(r.Context(), r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, errorPageResponse{Status: "success", ErrorPage: page})
}

func handleErrorStats(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	stats, err := svc.ErrorStats(r.Context(), r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, statsResponse{Status: "success", Statistics: stats})
}

func handleErrorByID(w http.ResponseWriter, r *http.Request, svc *service.QueryService) {
	if r.Method != http.MethodGet {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apperrors.CodeInvalidRequest, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/errors/")
	if id == "" || strings.Contains(id, "/") {
		response.WriteErrorCode(w, r, apperrors.CodeNotFound, "error record not found")
		return
	}
	rec, err := svc.ErrorByID(r.Context(), id)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, errorDetailResponse{Status: "success", Error: rec})
}

type healthResponse struct {
	Status       string                        `json:"status"`
	Timestamp    string                        `json:"timestamp"`
	Dependencies map[string]health.CheckResult `json:"dependencies,omitempty"`
}

func handleHealth(w http.ResponseWriter, r *http.Request, healthz *health.Health) {
	res := healthz.Health(r.Context())
	status := "healthy"
	code := http.StatusOK
	switch res.Status {
	case health.StatusDegraded:
		status = "degraded"
		code = http.StatusServiceUnavailable
	case health.StatusDown:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, code, healthResponse{
		Status:       status,
		Timestamp:    repository.FormatInstant(time.Now()),
		Dependencies: res.Dependencies,
	})
}

// corsMiddleware CORS 中间件
func corsMiddleware(allowOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			if allowOrigin != "*" {
				w.Header().Set("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware 日志中间件
func loggingMiddleware(l *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		defer func() {
			reqID := response.RequestIDFromRequest(r)
			if reqID == "" {
				reqID = "-"
			}
			if v := recover(); v != nil {
				if !wrapped.wroteHeader {
					response.WriteErrorCode(wrapped, r, apperrors.CodeInternalError, "internal server error")
				}
				l.Error(fmt.Sprintf("panic recovered: %v request_id=%s", v, reqID))
			}
			l.Info(fmt.Sprintf("%s %s %d %v request_id=%s", r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), reqID))
		}()

		next.ServeHTTP(wrapped, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Push(target string, opts *http.PushOptions) error {
	p, ok := rw.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return p.Push(target, opts)
}

func limitBodyMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
