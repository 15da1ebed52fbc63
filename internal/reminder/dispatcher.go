// Package reminder は服薬リマインダーの定期配信を提供する。
// 毎分、現在時刻に一致するスケジュールを取得し、記録者と連携する家族にまとめてプッシュ送信する。
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/metrics"
	"github.com/hitoshi/medremind/internal/model"
)

// Spec は毎分実行のcron式。
const Spec = "* * * * *"

// DefaultTickTimeout は1回の配信処理の既定の制限時間。
const DefaultTickTimeout = 50 * time.Second

// DueLister は hh:mm に通知対象となるスケジュールを返す。
type DueLister interface {
	ListDueAt(ctx context.Context, hhmm string) ([]model.DueReminder, error)
}

// IdentityResolver は通知を共有するユーザーIDを返す。結果には本人も含まれる。
type IdentityResolver interface {
	LinkedIdentities(ctx context.Context, userID string) ([]string, error)
}

// Config はDispatcherの設定。
type Config struct {
	Location       *time.Location
	TickTimeout    time.Duration
	MaxConcurrency int
}

// Dispatcher は服薬リマインダーの配信ジョブ。
type Dispatcher struct {
	due            DueLister
	family         IdentityResolver
	pusher         message.Pusher
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	loc            *time.Location
	timeout        time.Duration
	maxConcurrency int

	now func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// Result は1回の配信処理の集計。
type Result struct {
	Due    int
	Owners int
	Pushed int
	Failed int
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewDispatcher(
	due DueLister,
	family IdentityResolver,
	pusher message.Pusher,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	timeout := cfg.TickTimeout
	if timeout <= 0 {
		timeout = DefaultTickTimeout
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Dispatcher{
		due:            due,
		family:         family,
		pusher:         pusher,
		metrics:        m,
		logger:         logger,
		loc:            loc,
		timeout:        timeout,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start は毎分の配信ジョブを開始する。二重に開始した場合は何もしない。
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	cl := cronLogger{logger: d.logger}
	c := cron.New(
		cron.WithLocation(d.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(Spec, d.tick); err != nil {
		return fmt.Errorf("リマインダージョブの登録に失敗しました: %w", err)
	}
	c.Start()
	d.cron = c
	d.started = true

	d.logger.Info("リマインダー配信を開始しました",
		slog.String("spec", Spec),
		slog.String("timezone", d.loc.String()),
	)
	return nil
}

// Stop は配信ジョブを停止し、実行中の配信の完了を ctx の期限まで待つ。
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	done := d.cron.Stop().Done()
	d.started = false
	d.mu.Unlock()

	select {
	case <-done:
		d.logger.Info("リマインダー配信を停止しました")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("リマインダー配信の停止待ちがタイムアウトしました: %w", ctx.Err())
	}
}

// tick はcronから呼ばれる1回分の処理。失敗とpanicはログに残し、次の実行に影響させない。
func (d *Dispatcher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("リマインダー配信中にpanicが発生しました",
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()

	if _, err := d.RunOnce(ctx, d.now()); err != nil {
		d.logger.Error("リマインダー配信に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は now の時刻（HH:MM）に通知対象となるスケジュールを配信する。
// 記録者ごとに1通にまとめ、記録者と連携する家族それぞれに送信する。
// 1件の送信失敗は他の送信を妨げない。
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	defer func() { d.metrics.RecordTickLatency(time.Since(start)) }()

	hhmm := now.In(d.loc).Format("15:04")
	due, err := d.due.ListDueAt(ctx, hhmm)
	if err != nil {
		return Result{}, err
	}
	d.metrics.RecordDueReminders(len(due))
	if len(due) == 0 {
		d.logger.Debug("通知対象のスケジュールはありません", slog.String("time", hhmm))
		return Result{}, nil
	}

	byOwner := lo.GroupBy(due, func(r model.DueReminder) string { return r.OwnerID })
	owners := lo.Keys(byOwner)
	slices.Sort(owners)

	var pushed, failed atomic.Int64
	sem := make(chan struct{}, d.maxConcurrency)
	var wg sync.WaitGroup

	for _, owner := range owners {
		wg.Add(1)
		sem <- struct{}{}

		go func(owner string, rows []model.DueReminder) {
			defer wg.Done()
			defer func() { <-sem }()

			p, f := d.deliver(ctx, owner, hhmm, Dedupe(rows))
			pushed.Add(int64(p))
			failed.Add(int64(f))
		}(owner, byOwner[owner])
	}
	wg.Wait()

	result := Result{
		Due:    len(due),
		Owners: len(owners),
		Pushed: int(pushed.Load()),
		Failed: int(failed.Load()),
	}
	d.metrics.RecordReminderPushed(result.Pushed)
	d.logger.Info("リマインダーを配信しました",
		slog.String("time", hhmm),
		slog.Int("due", result.Due),
		slog.Int("owners", result.Owners),
		slog.Int("pushed", result.Pushed),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// deliver は1人の記録者分のリマインダーを記録者と連携ユーザーに送信する。送信数と失敗数を返す。
func (d *Dispatcher) deliver(ctx context.Context, owner, hhmm string, rows []model.DueReminder) (pushed, failed int) {
	push := func(to string, msg message.Message) {
		if err := d.pusher.Push(ctx, to, msg); err != nil {
			failed++
			d.metrics.RecordPushFailure()
			d.logger.Warn("リマインダーの送信に失敗しました",
				slog.String("to", to),
				slog.String("owner_id", owner),
				slog.String("error", err.Error()),
			)
			return
		}
		pushed++
	}

	push(owner, OwnerMessage(hhmm, rows))

	ids, err := d.family.LinkedIdentities(ctx, owner)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Warn("連携ユーザーの取得に失敗しました",
				slog.String("owner_id", owner),
				slog.String("error", err.Error()),
			)
		}
		return pushed, failed
	}
	notice := FamilyMessage(hhmm, rows)
	for _, id := range lo.Uniq(ids) {
		if id == owner {
			continue
		}
		push(id, notice)
	}
	return pushed, failed
}

// Dedupe は (服薬者, 薬品名) が重複する行を最初の1件にまとめる。
// 別の頻度コードが同じ分に重なっても同じ薬品を2回通知しない。
func Dedupe(rows []model.DueReminder) []model.DueReminder {
	return lo.UniqBy(rows, func(r model.DueReminder) string {
		return r.Member + "\x00" + r.MedicineName
	})
}

// OwnerMessage は記録者向けのまとめメッセージを組み立てる。
func OwnerMessage(hhmm string, rows []model.DueReminder) message.Message {
	return message.Text("🔔 用藥時間到囉！\n⏰ 時間：" + hhmm + "\n" + itemLines(rows) + "\n\n請記得按時服用喔！")
}

// FamilyMessage は連携する家族向けのメッセージを組み立てる。
func FamilyMessage(hhmm string, rows []model.DueReminder) message.Message {
	return message.Text("🔔 家人用藥提醒\n⏰ 時間：" + hhmm + "\n" + itemLines(rows) + "\n\n請提醒家人按時服用喔！")
}

func itemLines(rows []model.DueReminder) string {
	var b strings.Builder
	for _, r := range rows {
		name := r.MedicineName
		if name == "" {
			name = "（未命名藥品）"
		}
		fmt.Fprintf(&b, "\n👤 用藥者：%s\n💊 藥品：%s\n🔁 頻率：%s\n💊 劑量：%s", r.Member, name, r.FrequencyName, r.Dose)
	}
	return b.String()
}

// cronLogger はcronのログをslogに流す。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

var _ cron.Logger = cronLogger{}
