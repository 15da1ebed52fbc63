package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Recognizer は画像から文字列を認識する。
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// SampleText はStubRecognizerが返す固定の藥袋テキスト。
const SampleText = `看診日期:114.06.12
本次發藥天數:3日份

藥品名稱 單次劑量 用藥頻率 主要用途 副作用
普拿疼 2 一日三次 止痛
脈優錠 1 一日三次 治療高血壓 嘔吐 頭暈`

// ErrEmptyImage は画像データが空の場合に返される。
var ErrEmptyImage = errors.New("画像データが空です")

// StubRecognizer は画像の内容にかかわらず固定テキストを返す。
type StubRecognizer struct {
	Text string
}

// NewStubRecognizer はSampleTextを返すStubRecognizerを生成する。
func NewStubRecognizer() *StubRecognizer {
	return &StubRecognizer{Text: SampleText}
}

// Recognize は固定テキストを返す。
func (r *StubRecognizer) Recognize(_ context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	return r.Text, nil
}

// HTTPRecognizer は外部の文字認識エンドポイントに画像をPOSTする。
// レスポンスは {"text": "..."} 形式のJSONを想定する。
type HTTPRecognizer struct {
	endpoint string
	client   *http.Client
	maxSize  int64
}

// NewHTTPRecognizer はHTTPRecognizerを生成する。
// clientにはSSRF防止機能付きのHTTPクライアントを渡すこと。
func NewHTTPRecognizer(endpoint string, client *http.Client, maxSize int64) *HTTPRecognizer {
	return &HTTPRecognizer{endpoint: endpoint, client: client, maxSize: maxSize}
}

type recognizeResponse struct {
	Text string `json:"text"`
}

// Recognize は画像を送信して認識結果のテキストを返す。
func (r *HTTPRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	if r.maxSize > 0 && int64(len(image)) > r.maxSize {
		return "", fmt.Errorf("画像サイズが上限を超えています: %d > %d", len(image), r.maxSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("文字認識リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("文字認識リクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("文字認識エンドポイントがエラーを返しました: status=%d", resp.StatusCode)
	}

	var body recognizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("文字認識レスポンスの解析に失敗しました: %w", err)
	}
	return body.Text, nil
}

var (
	_ Recognizer = (*StubRecognizer)(nil)
	_ Recognizer = (*HTTPRecognizer)(nil)
)
