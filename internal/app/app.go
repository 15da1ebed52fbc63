package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/medremind/internal/config"
	"github.com/hitoshi/medremind/internal/conversation"
	"github.com/hitoshi/medremind/internal/database"
	"github.com/hitoshi/medremind/internal/family"
	"github.com/hitoshi/medremind/internal/handler"
	"github.com/hitoshi/medremind/internal/line"
	"github.com/hitoshi/medremind/internal/logger"
	"github.com/hitoshi/medremind/internal/metrics"
	"github.com/hitoshi/medremind/internal/middleware"
	"github.com/hitoshi/medremind/internal/ocr"
	"github.com/hitoshi/medremind/internal/reminder"
	"github.com/hitoshi/medremind/internal/repository"
	"github.com/hitoshi/medremind/internal/schedule"
	"github.com/hitoshi/medremind/internal/security"
	"github.com/hitoshi/medremind/internal/state"
	"github.com/hitoshi/medremind/internal/worker/cleanup"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
	shutdownTimeout = 30 * time.Second
	// connectTimeout は起動時のDB疎通確認の上限。
	connectTimeout = 10 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("unknown LOG_LEVEL, falling back to info", slog.String("log_level", cfg.LogLevel))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		Usage(w)
		return err
	}
	if cmd == CommandHelp {
		Usage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("timezone", cfg.Location.String()),
		slog.String("state_backend", cfg.StateBackend),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandRemind:
		return runRemind(cfg, args)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// core はserveとworkerで共有する依存関係。
type core struct {
	db        *sql.DB
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	line      *line.Client
	family    *family.Service
	schedules *schedule.Service
}

// newCore はDB接続を開き、リポジトリとドメインサービスを組み立てる。
func newCore(cfg *config.Config) (*core, error) {
	// 1. DB接続
	db, err := database.Connect(context.Background(), cfg.DatabaseURL, connectTimeout)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. LINEクライアント
	lineClient, err := line.NewClient(cfg.LineChannelAccessToken, cfg.OCRMaxSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create LINE client: %w", err)
	}

	// 4. ドメインサービス
	familySvc := family.NewService(family.Deps{
		Users:    repository.NewPostgresUserRepo(db),
		Patients: repository.NewPostgresPatientRepo(db),
		Invites:  repository.NewPostgresInviteCodeRepo(db),
		Family:   repository.NewPostgresFamilyRepo(db),
		Pusher:   lineClient,
		Logger:   slog.Default(),
		CodeTTL:  cfg.InviteCodeTTL,
	})
	scheduleSvc := schedule.NewService(
		repository.NewPostgresFrequencyRepo(db),
		repository.NewPostgresDrugRepo(db),
		repository.NewPostgresScheduleRepo(db),
	)

	return &core{
		db:        db,
		registry:  reg,
		metrics:   collector,
		line:      lineClient,
		family:    familySvc,
		schedules: scheduleSvc,
	}, nil
}

// newDispatcher はリマインダー配信ジョブを組み立てる。
func (c *core) newDispatcher(cfg *config.Config) *reminder.Dispatcher {
	return reminder.NewDispatcher(c.schedules, c.family, c.line, c.metrics, slog.Default(), reminder.Config{
		Location:    cfg.Location,
		TickTimeout: cfg.ReminderTickTimeout,
	})
}

// newCleanupJob はクリーンアップジョブを組み立てる。
func (c *core) newCleanupJob(cfg *config.Config) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(c.db, slog.Default())
	job.StateTTL = cfg.StateTTL
	return job
}

// newStateStore は設定に応じた会話状態ストアを返す。closeはRedis接続の後始末。
func newStateStore(ctx context.Context, cfg *config.Config, db *sql.DB) (state.Store, func() error, error) {
	if cfg.StateBackend != config.StateBackendRedis {
		return state.NewSQLStore(repository.NewPostgresStateRepo(db), cfg.StateTTL), func() error { return nil }, nil
	}

	client, err := state.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established")
	return state.NewRedisStore(client, cfg.StateTTL), client.Close, nil
}

// newRecognizer はOCR_ENDPOINTが設定されていればHTTP経由の認識器を、なければ固定応答のスタブを返す。
func newRecognizer(cfg *config.Config) (ocr.Recognizer, error) {
	if cfg.OCREndpoint == "" {
		slog.Warn("OCR_ENDPOINT is not set, using stub recognizer")
		return ocr.NewStubRecognizer(), nil
	}
	client, err := security.NewEndpointClient(cfg.OCREndpoint, cfg.OCRTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid OCR_ENDPOINT: %w", err)
	}
	return ocr.NewHTTPRecognizer(cfg.OCREndpoint, client, cfg.OCRMaxSize), nil
}

// runServe はWebhookサーバーモードで起動する。
// 依存関係をワイヤリングし、HTTPサーバーを起動する。
// REMINDER_ENABLEDが真の場合はリマインダー配信とクリーンアップも同じプロセスで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := newCore(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	// 1. 会話状態ストアとOCR
	store, closeStore, err := newStateStore(ctx, cfg, c.db)
	if err != nil {
		return err
	}
	defer closeStore()

	recognizer, err := newRecognizer(cfg)
	if err != nil {
		return err
	}

	// 2. 会話エンジン
	engine := conversation.NewEngine(conversation.Deps{
		Family:     c.family,
		Schedules:  c.schedules,
		States:     store,
		Locker:     state.NewLocker(),
		Recognizer: recognizer,
		Parser:     ocr.NewKeywordParser(),
		Images:     c.line,
		Sanitizer:  security.NewTextSanitizer(),
		Metrics:    c.metrics,
		Logger:     slog.Default(),
		BasicID:    cfg.LineBotBasicID,
		Location:   cfg.Location,
	})

	// 3. Webhookハンドラーとルーター
	limiter := middleware.NewRateLimiter(middleware.EventsPerMinute(cfg.RateLimitEvents), slog.Default())
	defer limiter.Stop()

	webhook := handler.NewWebhookHandler(handler.WebhookConfig{
		ChannelSecret: cfg.LineChannelSecret,
	}, engine, c.line, limiter, c.metrics, slog.Default())

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: c.db,
		Webhook:       webhook,
		Gatherer:      c.registry,
		Logger:        slog.Default(),
	})

	// 4. バックグラウンドジョブ
	var dispatcher *reminder.Dispatcher
	if cfg.ReminderEnabled {
		dispatcher = c.newDispatcher(cfg)
		if err := dispatcher.Start(); err != nil {
			return err
		}
		go c.newCleanupJob(cfg).Start(ctx, cfg.CleanupInterval)
	} else {
		slog.Info("reminder dispatch is disabled in this process")
	}

	// 5. HTTPサーバーの起動
	server := newServer(cfg.ServerPort, router)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("webhook server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down webhook server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	cancel()
	if dispatcher != nil {
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			slog.Warn("reminder dispatcher did not stop cleanly", slog.String("error", err.Error()))
		}
	}

	slog.Info("webhook server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// リマインダー配信とクリーンアップジョブを実行し、/health と /metrics のみを公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := newCore(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	dispatcher := c.newDispatcher(cfg)
	if err := dispatcher.Start(); err != nil {
		return err
	}

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: c.db,
		Gatherer:      c.registry,
		Logger:        slog.Default(),
	})
	server := newServer(cfg.ServerPort, router)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("state_ttl", cfg.StateTTL),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	c.newCleanupJob(cfg).Start(ctx, cfg.CleanupInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		slog.Warn("reminder dispatcher did not stop cleanly", slog.String("error", err.Error()))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("worker health server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

func newServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// runRemind はリマインダーを1回だけ配信して終了する。
// 常駐ワーカーを置かず、外部のスケジューラーから毎分起動する構成向け。
func runRemind(cfg *config.Config, args []string) error {
	at, err := remindAt(args, time.Now(), cfg.Location)
	if err != nil {
		return err
	}

	c, err := newCore(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReminderTickTimeout)
	defer cancel()

	result, err := c.newDispatcher(cfg).RunOnce(ctx, at)
	if err != nil {
		return fmt.Errorf("reminder delivery failed: %w", err)
	}
	if result.Failed > 0 {
		return fmt.Errorf("reminder delivery failed for %d of %d pushes", result.Failed, result.Pushed+result.Failed)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
