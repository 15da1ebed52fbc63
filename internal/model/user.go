// Package model はドメインモデルを定義する。
package model

import "time"

// SelfMemberName は初回利用時に自動作成される「本人」プロファイルの名前。
const SelfMemberName = "本人"

// MaxPatientsPerOwner は1ユーザーが登録できる服薬者プロファイルの上限。
const MaxPatientsPerOwner = 4

// User はLINEのユーザーIDで識別される利用者を表す。
// 初回接触時に作成され、削除されない。
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Patient は利用者（記録者）が管理する服薬者プロファイルを表す。
// (OwnerID, Name) は記録者ごとに一意。
type Patient struct {
	OwnerID string
	Name    string
	// LinkedUserID はこのプロファイルに対応づけられた家族のユーザーID。未設定の場合は空文字。
	LinkedUserID string
	CreatedAt    time.Time
}

// IsSelf は「本人」プロファイルかどうかを返す。
func (p Patient) IsSelf() bool {
	return p.Name == SelfMemberName
}
