package line

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// pushOutcome はプッシュ送信のHTTPステータスの分類。
type pushOutcome int

const (
	// pushOK は送信成功（2xx）。
	pushOK pushOutcome = iota
	// pushRetry は再送すれば成功しうるステータス（429/5xx）、または応答が得られなかった場合。
	pushRetry
	// pushGiveUp は再送しても成功しないステータス（400/401/403/404 など）。
	pushGiveUp
)

const (
	// maxPushAttempts はプッシュ送信の最大試行回数。
	maxPushAttempts = 3
	// initialPushBackoff は再送までの初回待ち時間。
	initialPushBackoff = 500 * time.Millisecond
	// maxPushBackoff は再送までの待ち時間の上限。
	maxPushBackoff = 4 * time.Second
)

// classifyPushStatus はHTTPステータスコードを送信結果に分類する。0は応答なしを表す。
func classifyPushStatus(statusCode int) pushOutcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return pushOK
	case statusCode == 0:
		return pushRetry
	case statusCode == http.StatusTooManyRequests:
		return pushRetry
	case statusCode >= 500:
		return pushRetry
	default:
		return pushGiveUp
	}
}

// pushBackoff は失敗回数に応じた指数バックオフの待ち時間を返す。初回500ms、2倍ずつ増加、最大4秒。
func pushBackoff(failures int) time.Duration {
	delay := initialPushBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay > maxPushBackoff {
			return maxPushBackoff
		}
	}
	return delay
}

// pushFunc は1回分のプッシュ送信。HTTPステータスコードを返す。
type pushFunc func(ctx context.Context, req *messaging_api.PushMessageRequest, retryKey string) (int, error)

// pushWithRetry は一時的な失敗を指数バックオフで再送する。
// 同じリトライキーを使うため、LINE側で重複配信は起きない。
func pushWithRetry(ctx context.Context, push pushFunc, req *messaging_api.PushMessageRequest, sleep func(context.Context, time.Duration) error) error {
	retryKey := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= maxPushAttempts; attempt++ {
		status, err := push(ctx, req, retryKey)
		if err == nil && classifyPushStatus(status) == pushOK {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("status=%d", status)
		}
		lastErr = err

		// 409 は同じリトライキーで受理済み
		if status == http.StatusConflict {
			return nil
		}
		if classifyPushStatus(status) == pushGiveUp || attempt == maxPushAttempts {
			break
		}
		if err := sleep(ctx, pushBackoff(attempt)); err != nil {
			return fmt.Errorf("プッシュ送信の再送を中断しました: %w", err)
		}
	}
	return lastErr
}

// sleepContext は d だけ待つ。ctx が先に終了した場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
