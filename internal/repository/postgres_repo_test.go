package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/medremind/internal/model"
)

// 各Postgres実装がリポジトリインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ PatientRepository = (*PostgresPatientRepo)(nil)
	var _ InviteCodeRepository = (*PostgresInviteCodeRepo)(nil)
	var _ FamilyRepository = (*PostgresFamilyRepo)(nil)
	var _ FrequencyRepository = (*PostgresFrequencyRepo)(nil)
	var _ DrugRepository = (*PostgresDrugRepo)(nil)
	var _ ScheduleRepository = (*PostgresScheduleRepo)(nil)
	var _ StateRepository = (*PostgresStateRepo)(nil)
}

func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresUserRepo(nil) == nil {
		t.Fatal("expected non-nil user repo")
	}
	if NewPostgresFamilyRepo(nil) == nil {
		t.Fatal("expected non-nil family repo")
	}
	if NewPostgresScheduleRepo(nil) == nil {
		t.Fatal("expected non-nil schedule repo")
	}
	if NewPostgresStateRepo(nil) == nil {
		t.Fatal("expected non-nil state repo")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"一意制約違反", &pq.Error{Code: "23505"}, true},
		{"ラップされた一意制約違反", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"外部キー違反", &pq.Error{Code: "23503"}, false},
		{"その他のエラー", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToSlots_PacksFromFront(t *testing.T) {
	slots := toSlots([]string{"08:00", "20:00"})

	if !slots[0].Valid || slots[0].String != "08:00" {
		t.Errorf("slot1 = %+v, want 08:00", slots[0])
	}
	if !slots[1].Valid || slots[1].String != "20:00" {
		t.Errorf("slot2 = %+v, want 20:00", slots[1])
	}
	if slots[2].Valid || slots[3].Valid {
		t.Errorf("slot3/slot4 should be NULL, got %+v %+v", slots[2], slots[3])
	}
}

func TestToSlots_IgnoresOverflow(t *testing.T) {
	slots := toSlots([]string{"06:00", "10:00", "14:00", "18:00", "22:00"})
	if slots[3].String != "18:00" {
		t.Errorf("slot4 = %q, want %q", slots[3].String, "18:00")
	}
}

func TestFromSlots_SkipsNulls(t *testing.T) {
	slots := [model.MaxSlots]sql.NullString{
		{String: "08:00", Valid: true},
		{},
		{String: "20:00", Valid: true},
		{String: "", Valid: true},
	}
	got := fromSlots(slots)
	want := []string{"08:00", "20:00"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fromSlots() = %v, want %v", got, want)
	}
}

func TestCheckRedeemable(t *testing.T) {
	now := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	usedAt := now.Add(-10 * time.Minute)

	valid := &model.InviteCode{Code: "ABC123", InviterID: "U-inviter", ExpiresAt: now.Add(time.Hour)}
	expired := &model.InviteCode{Code: "ABC123", InviterID: "U-inviter", ExpiresAt: now}
	usedBySame := &model.InviteCode{Code: "ABC123", InviterID: "U-inviter", ExpiresAt: now.Add(time.Hour), UsedAt: &usedAt, RecipientID: "U-recipient"}
	usedExpired := &model.InviteCode{Code: "ABC123", InviterID: "U-inviter", ExpiresAt: now.Add(-time.Minute), UsedAt: &usedAt, RecipientID: "U-recipient"}

	tests := []struct {
		name      string
		code      *model.InviteCode
		recipient string
		want      error
	}{
		{"未使用かつ有効期限内", valid, "U-recipient", nil},
		{"存在しないコード", nil, "U-recipient", model.ErrInviteNotFound},
		{"期限ちょうどは期限切れ", expired, "U-recipient", model.ErrInviteExpired},
		{"自分のコード", valid, "U-inviter", model.ErrSelfBinding},
		{"同じ受信者の再引き換え", usedBySame, "U-recipient", nil},
		{"別の受信者による再利用", usedBySame, "U-other", model.ErrInviteUsed},
		{"期限切れは使用済みでも失敗", usedExpired, "U-recipient", model.ErrInviteExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRedeemable(tt.code, tt.recipient, now)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckRedeemable() = %v, want %v", err, tt.want)
			}
		})
	}
}
