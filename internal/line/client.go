package line

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/hitoshi/medremind/internal/conversation"
	"github.com/hitoshi/medremind/internal/message"
)

// DefaultMaxContentSize は取得する画像コンテンツの既定の上限（10MiB）。
const DefaultMaxContentSize = 10 << 20

// Client はMessaging APIの返信・プッシュ送信と画像取得を行う。
type Client struct {
	api     *messaging_api.MessagingApiAPI
	blob    *messaging_api.MessagingApiBlobAPI
	maxSize int64

	push  pushFunc
	sleep func(context.Context, time.Duration) error
}

// NewClient はチャネルアクセストークンからClientを生成する。
// maxSizeが0以下の場合は DefaultMaxContentSize を使用する。
func NewClient(channelToken string, maxSize int64) (*Client, error) {
	api, err := messaging_api.NewMessagingApiAPI(channelToken)
	if err != nil {
		return nil, fmt.Errorf("Messaging APIクライアントの生成に失敗しました: %w", err)
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(channelToken)
	if err != nil {
		return nil, fmt.Errorf("Messaging API Blobクライアントの生成に失敗しました: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxContentSize
	}
	c := &Client{api: api, blob: blob, maxSize: maxSize, sleep: sleepContext}
	c.push = c.pushOnce
	return c, nil
}

func (c *Client) pushOnce(ctx context.Context, req *messaging_api.PushMessageRequest, retryKey string) (int, error) {
	resp, _, err := c.api.WithContext(ctx).PushMessageWithHttpInfo(req, retryKey)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return status, err
}

// Reply は返信トークンを使ってメッセージを返信する。
func (c *Client) Reply(ctx context.Context, replyToken string, msgs []message.Message) error {
	converted := ToMessages(msgs)
	if replyToken == "" || len(converted) == 0 {
		return nil
	}
	_, err := c.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   converted,
	})
	if err != nil {
		return fmt.Errorf("返信に失敗しました: %w", err)
	}
	return nil
}

// Push は指定ユーザーにメッセージをプッシュ送信する。429と5xxは数回まで再送する。
func (c *Client) Push(ctx context.Context, to string, msgs ...message.Message) error {
	converted := ToMessages(msgs)
	if len(converted) == 0 {
		return nil
	}
	err := pushWithRetry(ctx, c.push, &messaging_api.PushMessageRequest{
		To:       to,
		Messages: converted,
	}, c.sleep)
	if err != nil {
		return fmt.Errorf("プッシュ送信に失敗しました: %w", err)
	}
	return nil
}

// Content はメッセージIDから画像などのコンテンツを取得する。上限サイズを超える場合はエラーを返す。
func (c *Client) Content(ctx context.Context, messageID string) ([]byte, error) {
	resp, err := c.blob.WithContext(ctx).GetMessageContent(messageID)
	if err != nil {
		return nil, fmt.Errorf("コンテンツの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("コンテンツの取得に失敗しました: status=%d", resp.StatusCode)
	}
	return readLimited(resp.Body, c.maxSize)
}

// readLimited は上限+1バイトまで読み、上限を超えていればエラーを返す。
func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("コンテンツの読み込みに失敗しました: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("コンテンツのサイズが上限を超えています: > %d bytes", maxSize)
	}
	return data, nil
}

var (
	_ message.Pusher            = (*Client)(nil)
	_ conversation.ImageFetcher = (*Client)(nil)
)
