// Package family は服薬者プロファイルと家族バインド（招待コードによる連携）のドメインロジックを提供する。
package family

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/medremind/internal/message"
	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/repository"
)

const (
	// CodeLength は招待コードの文字数。
	CodeLength = 6
	// DefaultCodeTTL は招待コードの既定の有効期間。
	DefaultCodeTTL = 60 * time.Minute

	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 5
)

// Deps はServiceの依存関係。
type Deps struct {
	Users    repository.UserRepository
	Patients repository.PatientRepository
	Invites  repository.InviteCodeRepository
	Family   repository.FamilyRepository
	Pusher   message.Pusher
	Logger   *slog.Logger
	CodeTTL  time.Duration
}

// Service は服薬者プロファイルと家族バインドのサービス層。
type Service struct {
	users    repository.UserRepository
	patients repository.PatientRepository
	invites  repository.InviteCodeRepository
	family   repository.FamilyRepository
	pusher   message.Pusher
	logger   *slog.Logger
	codeTTL  time.Duration

	now      func() time.Time
	randRead func([]byte) (int, error)
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Deps) *Service {
	ttl := deps.CodeTTL
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:    deps.Users,
		patients: deps.Patients,
		invites:  deps.Invites,
		family:   deps.Family,
		pusher:   deps.Pusher,
		logger:   logger,
		codeTTL:  ttl,
		now:      time.Now,
		randRead: rand.Read,
	}
}

// EnsureUser は利用者と「本人」プロファイルを必要に応じて作成する。新規作成ならtrueを返す。
func (s *Service) EnsureUser(ctx context.Context, userID string) (bool, error) {
	created, err := s.users.Ensure(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("利用者の初期化に失敗しました: %w", err)
	}
	return created, nil
}

// ListPatients は記録者の服薬者プロファイル一覧を返す。
func (s *Service) ListPatients(ctx context.Context, ownerID string) ([]model.Patient, error) {
	patients, err := s.patients.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("服薬者一覧の取得に失敗しました: %w", err)
	}
	return patients, nil
}

// FindPatient は服薬者プロファイルを返す。存在しない場合は model.ErrPatientNotFound。
func (s *Service) FindPatient(ctx context.Context, ownerID, name string) (*model.Patient, error) {
	p, err := s.patients.Find(ctx, ownerID, name)
	if err != nil {
		return nil, fmt.Errorf("服薬者の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.ErrPatientNotFound
	}
	return p, nil
}

// AddPatient は服薬者プロファイルを追加する。記録者ごとの上限を超える場合は失敗する。
func (s *Service) AddPatient(ctx context.Context, ownerID, name string) (*model.Patient, error) {
	patients, err := s.ListPatients(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(patients) >= model.MaxPatientsPerOwner {
		return nil, model.ErrTooManyPatients
	}
	if lo.ContainsBy(patients, func(p model.Patient) bool { return p.Name == name }) {
		return nil, model.ErrDuplicatePatient
	}

	p := &model.Patient{OwnerID: ownerID, Name: name, CreatedAt: s.now()}
	if err := s.patients.Create(ctx, p); err != nil {
		if _, ok := model.AsBotError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("服薬者の作成に失敗しました: %w", err)
	}
	return p, nil
}

// RenamePatient は服薬者プロファイルの名前を変更する。「本人」は変更できない。
func (s *Service) RenamePatient(ctx context.Context, ownerID, oldName, newName string) error {
	if oldName == model.SelfMemberName {
		return model.ErrSelfProfileImmutable
	}
	if newName == model.SelfMemberName {
		return model.ErrDuplicatePatient
	}
	if oldName == newName {
		return nil
	}
	if err := s.patients.Rename(ctx, ownerID, oldName, newName); err != nil {
		if _, ok := model.AsBotError(err); ok {
			return err
		}
		return fmt.Errorf("服薬者名の変更に失敗しました: %w", err)
	}
	return nil
}

// LinkPatient は服薬者プロファイルを家族ユーザーに対応づける。
func (s *Service) LinkPatient(ctx context.Context, ownerID, name, linkedUserID string) error {
	if err := s.patients.SetLinkedUser(ctx, ownerID, name, linkedUserID); err != nil {
		if _, ok := model.AsBotError(err); ok {
			return err
		}
		return fmt.Errorf("服薬者の対応づけに失敗しました: %w", err)
	}
	return nil
}

// GenerateInviteCode は招待コードを発行する。
func (s *Service) GenerateInviteCode(ctx context.Context, inviterID string) (*model.InviteCode, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.randomCode()
		if err != nil {
			return nil, err
		}
		existing, err := s.invites.FindByCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("招待コードの重複確認に失敗しました: %w", err)
		}
		if existing != nil {
			continue
		}

		now := s.now()
		ic := &model.InviteCode{
			Code:      code,
			InviterID: inviterID,
			ExpiresAt: now.Add(s.codeTTL),
			CreatedAt: now,
		}
		if err := s.invites.Create(ctx, ic); err != nil {
			return nil, fmt.Errorf("招待コードの保存に失敗しました: %w", err)
		}
		s.logger.Info("招待コードを発行しました",
			slog.String("inviter_id", inviterID),
			slog.Time("expires_at", ic.ExpiresAt),
		)
		return ic, nil
	}
	return nil, fmt.Errorf("招待コードの生成に%d回失敗しました", maxCodeAttempts)
}

// randomCode は暗号論的乱数で英大文字と数字からなるコードを生成する。
func (s *Service) randomCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := s.randRead(buf); err != nil {
		return "", fmt.Errorf("乱数の生成に失敗しました: %w", err)
	}
	var b strings.Builder
	for _, v := range buf {
		b.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeCode は入力された招待コードを照合用に整える。
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// PeekInviteCode は引き換え前に招待コードを検証する。コードの状態は変更しない。
func (s *Service) PeekInviteCode(ctx context.Context, code, recipientID string) (*model.InviteCode, error) {
	ic, err := s.invites.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, fmt.Errorf("招待コードの取得に失敗しました: %w", err)
	}
	if err := repository.CheckRedeemable(ic, recipientID, s.now()); err != nil {
		return nil, err
	}
	return ic, nil
}

// Bind は招待コードを引き換えて家族バインドを作成する。
// 新しいエッジが作成された場合だけ招待者に通知する。通知の失敗はバインド結果に影響しない。
func (s *Service) Bind(ctx context.Context, code, recipientID string) (*model.BindResult, error) {
	result, err := s.family.Redeem(ctx, NormalizeCode(code), recipientID, s.now())
	if err != nil {
		if _, ok := model.AsBotError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("家族バインドに失敗しました: %w", err)
	}

	if result.Created {
		s.logger.Info("家族バインドを作成しました",
			slog.String("inviter_id", result.InviterID),
			slog.String("recipient_id", recipientID),
		)
		if s.pusher != nil {
			msg := message.Text("🎉 您的家人已透過邀請碼完成綁定！\n之後您設定的用藥提醒也會同步通知對方。")
			if err := s.pusher.Push(ctx, result.InviterID, msg); err != nil {
				s.logger.Warn("招待者への通知に失敗しました",
					slog.String("inviter_id", result.InviterID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return result, nil
}

// Unbind は2ユーザー間のバインドを向きを問わず解除する。解除した場合はtrueを返す。
func (s *Service) Unbind(ctx context.Context, userA, userB string) (bool, error) {
	removed, err := s.family.Delete(ctx, userA, userB)
	if err != nil {
		return false, fmt.Errorf("家族バインドの解除に失敗しました: %w", err)
	}
	if removed {
		s.logger.Info("家族バインドを解除しました",
			slog.String("user_a", userA),
			slog.String("user_b", userB),
		)
	}
	return removed, nil
}

// LinkedIdentities は通知を共有するユーザーIDを返す。結果には常に user 自身が含まれる。
// 直接のエッジに加え、招待者の他の受信者までの1ホップに限定する。
func (s *Service) LinkedIdentities(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.family.LinkedUserIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("連携ユーザーの取得に失敗しました: %w", err)
	}
	if !lo.Contains(ids, userID) {
		ids = append([]string{userID}, ids...)
	}
	return lo.Uniq(ids), nil
}

// ListBindings はユーザーが関わる家族バインドを返す。
func (s *Service) ListBindings(ctx context.Context, userID string) ([]model.FamilyBinding, error) {
	bindings, err := s.family.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("家族バインド一覧の取得に失敗しました: %w", err)
	}
	return bindings, nil
}

// SetRelation は受信者が招待者の服薬者プロファイルのうちどれにあたるかを設定する。
// label が招待者の既存プロファイル名と一致すればそれに対応づけ、
// 一致しなければ上限の範囲で新しいプロファイルを作成して対応づける。
// 上限に達している場合は続柄ラベルだけを記録する。対応づけたプロファイル名を返す（無ければ空文字）。
func (s *Service) SetRelation(ctx context.Context, inviterID, recipientID, label string) (string, error) {
	profile := ""
	existing, err := s.patients.Find(ctx, inviterID, label)
	if err != nil {
		return "", fmt.Errorf("服薬者の取得に失敗しました: %w", err)
	}
	switch {
	case existing != nil && !existing.IsSelf():
		profile = existing.Name
	case existing == nil:
		if _, err := s.AddPatient(ctx, inviterID, label); err == nil {
			profile = label
		} else if _, ok := model.AsBotError(err); !ok {
			return "", err
		}
	}

	if profile != "" {
		if err := s.LinkPatient(ctx, inviterID, profile, recipientID); err != nil {
			return "", err
		}
	}
	if err := s.family.UpdateRelation(ctx, inviterID, recipientID, profile, label); err != nil {
		if _, ok := model.AsBotError(err); ok {
			return "", err
		}
		return "", fmt.Errorf("続柄の更新に失敗しました: %w", err)
	}
	return profile, nil
}

// InviteLink は招待コードを埋め込んだ友だち追加後のメッセージ送信リンクを返す。
// basicID が空の場合は空文字を返す。
func InviteLink(basicID, code string) string {
	if basicID == "" {
		return ""
	}
	text := "綁定 " + code
	return "https://line.me/R/oaMessage/" + url.PathEscape(basicID) + "/?" + url.PathEscape(text)
}
