package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/schedule"
	"github.com/hitoshi/medremind/internal/state"
)

// onOCRImage は藥袋画像を認識・解析し、一括確認に進む。
// 認識に失敗した場合は状態を変えずに再送を促す。
func (e *Engine) onOCRImage(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.OCRImage)
	if e.images == nil || e.recognizer == nil {
		return reply{}, errors.New("文字認識が設定されていません")
	}

	image, err := e.images.Content(ctx, t.in.event.MessageID)
	if err != nil {
		return reply{}, fmt.Errorf("画像の取得に失敗しました: %w", err)
	}
	text, err := e.recognizer.Recognize(ctx, image)
	if err != nil {
		e.logger.Warn("藥袋画像の文字認識に失敗しました",
			slog.String("user_id", t.userID),
			slog.String("error", err.Error()),
		)
		return say(retakeMessage()), nil
	}

	order := e.parser.Parse(text)
	if len(order.Items) == 0 {
		return say(retakeMessage()), nil
	}
	next := state.OCRConfirmation{Member: f.Member, Order: order}
	return advance(next, ocrConfirmationMessage(order)), nil
}

func retakeMessage() message.Message {
	return message.WithButtons(
		"無法從照片中辨識出藥品資訊 😥\n請重新拍攝清晰、完整的藥袋照片，或輸入「取消」改用手動設定。",
		cancelButton,
	)
}

// onConfirmOrder は解析結果の各薬品をスケジュールとして登録し、薬品ごとの結果を返す。
// 需要時の薬品は登録せずに知らせ、時刻が導出できない薬品と薬品マスタに無い薬品は失敗として報告する。
// 同じ処方内で (服薬者, 頻度) が重なる薬品は上書きせずに失敗として報告する。
func (e *Engine) onConfirmOrder(ctx context.Context, t *turn) (reply, error) {
	f := t.flow.(state.OCRConfirmation)
	if len(f.Order.Items) == 0 {
		return finish(message.Text("⚠️ 沒有可設定的藥品資訊，請重新上傳藥單。")), nil
	}

	var succeeded, skipped, failed []string
	claimed := make(map[string]string)
	for _, item := range f.Order.Items {
		switch {
		case item.AsNeeded():
			skipped = append(skipped, fmt.Sprintf("「%s」為「%s」，未設定固定提醒時間。", item.Name, item.FrequencyText))
			continue
		case !item.Resolved():
			failed = append(failed, fmt.Sprintf("「%s」的用藥頻率「%s」無法判斷服用時間，請手動設定。", item.Name, item.FrequencyText))
			continue
		}
		if other, ok := claimed[item.FrequencyCode]; ok {
			failed = append(failed, fmt.Sprintf("「%s」與「%s」的用藥頻率相同，為避免覆蓋請手動設定。", item.Name, other))
			continue
		}
		if _, err := e.schedules.FindMedicineID(ctx, item.Name); err != nil {
			if errors.Is(err, model.ErrMedicineNotFound) {
				failed = append(failed, fmt.Sprintf("找不到藥品「%s」的資料，請手動設定。", item.Name))
				continue
			}
			return reply{}, err
		}

		entry, err := e.schedules.Upsert(ctx, schedule.UpsertRequest{
			OwnerID:       t.userID,
			Member:        f.Member,
			MedicineName:  item.Name,
			FrequencyCode: item.FrequencyCode,
			Dose:          item.Dosage,
			Days:          f.Order.DaysSupply,
			Times:         item.Times,
			Source:        model.SourceOCR,
		})
		if err != nil {
			if be, ok := model.AsBotError(err); ok {
				failed = append(failed, fmt.Sprintf("「%s」設定失敗：%s", item.Name, be.Message))
				continue
			}
			return reply{}, err
		}
		claimed[item.FrequencyCode] = item.Name
		succeeded = append(succeeded, fmt.Sprintf("%s（%s）⏰ %s", entry.MedicineName, entry.FrequencyName, strings.Join(entry.Times, "、")))
	}

	e.logger.Info("藥袋の処方を登録しました",
		slog.String("user_id", t.userID),
		slog.Int("succeeded", len(succeeded)),
		slog.Int("skipped", len(skipped)),
		slog.Int("failed", len(failed)),
	)
	return finish(ocrResultMessage(succeeded, skipped, failed)), nil
}
