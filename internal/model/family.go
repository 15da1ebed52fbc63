package model

import "time"

// InviteCode は家族バインド用の招待コードを表す。
// 未使用かつ有効期限内のコードだけが1回だけ使用済みに遷移できる。
type InviteCode struct {
	Code        string
	InviterID   string
	ExpiresAt   time.Time
	UsedAt      *time.Time
	RecipientID string
	CreatedAt   time.Time
}

// Expired は指定時刻においてコードが期限切れかどうかを返す。
func (c *InviteCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Used はコードが使用済みかどうかを返す。
func (c *InviteCode) Used() bool {
	return c.UsedAt != nil
}

// FamilyBinding は招待者から受信者への有向エッジ。
// 保存は非対称だが、検索と解除は双方向で扱う。
type FamilyBinding struct {
	InviterID     string
	RecipientID   string
	RecipientName string
	RelationLabel string
	CreatedAt     time.Time
}

// Other はエッジの反対側のユーザーIDを返す。
func (b FamilyBinding) Other(userID string) string {
	if b.InviterID == userID {
		return b.RecipientID
	}
	return b.InviterID
}

// Involves はエッジがユーザーを含むかどうかを返す。
func (b FamilyBinding) Involves(userID string) bool {
	return b.InviterID == userID || b.RecipientID == userID
}

// BindResult は招待コード引き換えの結果。
type BindResult struct {
	InviterID string
	// Created は新しいエッジが作成された場合にtrue。再試行による冪等成功ではfalse。
	Created bool
}
