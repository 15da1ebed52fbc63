// Package handler はHTTPエンドポイントのハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/hitoshi/medremind/internal/conversation"
	"github.com/hitoshi/medremind/internal/line"
	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/metrics"
)

// DefaultEventTimeout は1イベントの処理にかける時間の上限。
const DefaultEventTimeout = 30 * time.Second

// EventHandler は受信イベントを処理して返信メッセージを返す。
type EventHandler interface {
	Handle(ctx context.Context, ev conversation.Event) []message.Message
}

// Replier は返信トークンを使ってメッセージを返信する。
type Replier interface {
	Reply(ctx context.Context, replyToken string, msgs []message.Message) error
}

// EventLimiter は利用者ごとのイベント処理レートを制限する。
type EventLimiter interface {
	Allow(userID string) bool
}

// WebhookConfig はWebhookHandlerの設定。
type WebhookConfig struct {
	ChannelSecret string
	EventTimeout  time.Duration
}

// WebhookHandler はLINEのWebhookを受け付けるHTTPハンドラー。
// 署名を検証し、イベントを受信順に会話エンジンへ渡して返信する。
type WebhookHandler struct {
	secret  string
	timeout time.Duration
	engine  EventHandler
	replier Replier
	limiter EventLimiter
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。limiterとmがnilの場合は制限・計測を行わない。
func NewWebhookHandler(cfg WebhookConfig, engine EventHandler, replier Replier, limiter EventLimiter, m metrics.MetricsCollector, logger *slog.Logger) *WebhookHandler {
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultEventTimeout
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:  cfg.ChannelSecret,
		timeout: cfg.EventTimeout,
		engine:  engine,
		replier: replier,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// ServeHTTP は署名が正しければ常に200 "OK"を返す。
// 個々のイベントの失敗はログに残し、LINEプラットフォームの再送を招かないようにする。
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cb, err := webhook.ParseRequest(h.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.logger.Warn("invalid webhook signature", slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		h.logger.Warn("failed to parse webhook request", slog.String("error", err.Error()))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// 接続が切れても状態の書き込みを途中で止めない
	ctx := context.WithoutCancel(r.Context())
	for _, ev := range cb.Events {
		in, ok := line.ToEvent(ev)
		if !ok {
			continue
		}
		h.dispatch(ctx, in)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *WebhookHandler) dispatch(ctx context.Context, in line.Inbound) {
	userID := in.Event.UserID
	if h.limiter != nil && !h.limiter.Allow(userID) {
		h.metrics.RecordHandlerFailure(metrics.FailureRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	msgs := h.engine.Handle(ctx, in.Event)
	if len(msgs) == 0 || in.ReplyToken == "" {
		return
	}
	if err := h.replier.Reply(ctx, in.ReplyToken, msgs); err != nil {
		h.metrics.RecordHandlerFailure(metrics.FailureReply)
		h.logger.Error("返信に失敗しました",
			slog.String("user_id", userID),
			slog.String("event", string(in.Event.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
