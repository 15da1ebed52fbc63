// Package memrepo はリポジトリインターフェースのインメモリ実装を提供する。
// サービス・会話エンジン・通知ディスパッチャのテストで PostgreSQL の代わりに使う。
package memrepo

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/medremind/internal/model"
	"github.com/hitoshi/medremind/internal/repository"
)

// DefaultFrequencies はマイグレーションで投入される頻度コード表と同じ内容。
var DefaultFrequencies = []model.Frequency{
	{Code: "QD", Name: "一日一次", TimesPerDay: 1},
	{Code: "BID", Name: "一日兩次", TimesPerDay: 2},
	{Code: "TID", Name: "一日三次", TimesPerDay: 3},
	{Code: "QID", Name: "一日四次", TimesPerDay: 4},
	{Code: "HS", Name: "睡前", TimesPerDay: 1},
	{Code: "PRN", Name: "需要時", TimesPerDay: 0},
}

type scheduleKey struct {
	owner, member, frequency string
}

type stateRow struct {
	data      []byte
	updatedAt time.Time
}

// Store は全リポジトリのデータを1つのミューテックスで保護して保持する。
type Store struct {
	mu sync.Mutex

	// Now は記録時刻の取得に使う。テストで差し替えられる。
	Now func() time.Time

	users       map[string]model.User
	patients    map[string][]model.Patient
	invites     map[string]model.InviteCode
	bindings    []model.FamilyBinding
	frequencies []model.Frequency
	drugs       map[string]string
	orders      map[string]model.MedicationOrder
	records     []model.MedicationRecord
	schedules   map[scheduleKey]model.ScheduleEntry
	states      map[string]stateRow
}

// New は頻度コード表と薬品マスタを投入済みのStoreを生成する。
func New() *Store {
	s := &Store{
		Now:         time.Now,
		users:       make(map[string]model.User),
		patients:    make(map[string][]model.Patient),
		invites:     make(map[string]model.InviteCode),
		frequencies: slices.Clone(DefaultFrequencies),
		drugs: map[string]string{
			"普拿疼": "7c3e2b7a-0c1f-4d3e-9a51-1f0c2b8d6a01",
			"脈優錠": "7c3e2b7a-0c1f-4d3e-9a51-1f0c2b8d6a02",
		},
		orders:    make(map[string]model.MedicationOrder),
		schedules: make(map[scheduleKey]model.ScheduleEntry),
		states:    make(map[string]stateRow),
	}
	return s
}

// SetFrequency は頻度コードを追加または置き換える。
func (s *Store) SetFrequency(f model.Frequency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.frequencies {
		if s.frequencies[i].Code == f.Code {
			s.frequencies[i] = f
			return
		}
	}
	s.frequencies = append(s.frequencies, f)
}

// AddDrug は薬品マスタに1件追加する。
func (s *Store) AddDrug(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drugs[name] = id
}

// Records は追記された服薬記録行のコピーを返す。
func (s *Store) Records() []model.MedicationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Orders は処方の親レコード数を返す。
func (s *Store) Orders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Bindings は家族バインドのコピーを返す。
func (s *Store) Bindings() []model.FamilyBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bindings)
}

// ExpireInvite は招待コードの有効期限を書き換える。
func (s *Store) ExpireInvite(code string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ic, ok := s.invites[code]; ok {
		ic.ExpiresAt = expiresAt
		s.invites[code] = ic
	}
}

// Users は UserRepository を返す。
func (s *Store) Users() *UserRepo { return &UserRepo{s: s} }

// Patients は PatientRepository を返す。
func (s *Store) Patients() *PatientRepo { return &PatientRepo{s: s} }

// Invites は InviteCodeRepository を返す。
func (s *Store) Invites() *InviteCodeRepo { return &InviteCodeRepo{s: s} }

// Family は FamilyRepository を返す。
func (s *Store) Family() *FamilyRepo { return &FamilyRepo{s: s} }

// Frequencies は FrequencyRepository を返す。
func (s *Store) Frequencies() *FrequencyRepo { return &FrequencyRepo{s: s} }

// Drugs は DrugRepository を返す。
func (s *Store) Drugs() *DrugRepo { return &DrugRepo{s: s} }

// Schedules は ScheduleRepository を返す。
func (s *Store) Schedules() *ScheduleRepo { return &ScheduleRepo{s: s} }

// States は StateRepository を返す。
func (s *Store) States() *StateRepo { return &StateRepo{s: s} }

// UserRepo はインメモリの利用者リポジトリ。
type UserRepo struct{ s *Store }

// Ensure は利用者と「本人」プロファイルを作成する。
func (r *UserRepo) Ensure(_ context.Context, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.Now()
	_, exists := r.s.users[userID]
	if !exists {
		r.s.users[userID] = model.User{ID: userID, CreatedAt: now}
	}
	if r.s.findPatient(userID, model.SelfMemberName) < 0 {
		r.s.patients[userID] = append(r.s.patients[userID], model.Patient{
			OwnerID:   userID,
			Name:      model.SelfMemberName,
			CreatedAt: now,
		})
	}
	return !exists, nil
}

func (s *Store) findPatient(ownerID, name string) int {
	return slices.IndexFunc(s.patients[ownerID], func(p model.Patient) bool { return p.Name == name })
}

// PatientRepo はインメモリの服薬者プロファイルリポジトリ。
type PatientRepo struct{ s *Store }

// ListByOwner は「本人」を先頭に作成順で返す。
func (r *PatientRepo) ListByOwner(_ context.Context, ownerID string) ([]model.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	list := slices.Clone(r.s.patients[ownerID])
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].IsSelf() && !list[j].IsSelf()
	})
	return list, nil
}

// Find は指定プロファイルを返す。
func (r *PatientRepo) Find(_ context.Context, ownerID, name string) (*model.Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	i := r.s.findPatient(ownerID, name)
	if i < 0 {
		return nil, nil
	}
	p := r.s.patients[ownerID][i]
	return &p, nil
}

// Create はプロファイルを作成する。
func (r *PatientRepo) Create(_ context.Context, patient *model.Patient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.findPatient(patient.OwnerID, patient.Name) >= 0 {
		return model.ErrDuplicatePatient
	}
	r.s.patients[patient.OwnerID] = append(r.s.patients[patient.OwnerID], *patient)
	return nil
}

// Rename はプロファイル名を変更し、スケジュールと服薬記録を追従させる。
func (r *PatientRepo) Rename(_ context.Context, ownerID, oldName, newName string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	i := r.s.findPatient(ownerID, oldName)
	if i < 0 {
		return model.ErrPatientNotFound
	}
	if r.s.findPatient(ownerID, newName) >= 0 {
		return model.ErrDuplicatePatient
	}
	r.s.patients[ownerID][i].Name = newName

	for k, e := range r.s.schedules {
		if k.owner == ownerID && k.member == oldName {
			delete(r.s.schedules, k)
			e.Member = newName
			r.s.schedules[scheduleKey{ownerID, newName, k.frequency}] = e
		}
	}
	for i := range r.s.records {
		if r.s.records[i].OwnerID == ownerID && r.s.records[i].Member == oldName {
			r.s.records[i].Member = newName
		}
	}
	if o, ok := r.s.orders[ownerID+"\x00"+oldName]; ok {
		delete(r.s.orders, ownerID+"\x00"+oldName)
		o.Member = newName
		r.s.orders[ownerID+"\x00"+newName] = o
	}
	return nil
}

// SetLinkedUser はプロファイルの対応づけを更新する。
func (r *PatientRepo) SetLinkedUser(_ context.Context, ownerID, name, linkedUserID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	i := r.s.findPatient(ownerID, name)
	if i < 0 {
		return model.ErrPatientNotFound
	}
	r.s.patients[ownerID][i].LinkedUserID = linkedUserID
	return nil
}

// InviteCodeRepo はインメモリの招待コードリポジトリ。
type InviteCodeRepo struct{ s *Store }

// Create は招待コードを作成する。
func (r *InviteCodeRepo) Create(_ context.Context, code *model.InviteCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.invites[code.Code] = *code
	return nil
}

// FindByCode はコードで招待コードを取得する。
func (r *InviteCodeRepo) FindByCode(_ context.Context, code string) (*model.InviteCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ic, ok := r.s.invites[code]
	if !ok {
		return nil, nil
	}
	return &ic, nil
}

// FamilyRepo はインメモリの家族バインドリポジトリ。
type FamilyRepo struct{ s *Store }

// Redeem は招待コードを引き換えて家族バインドを作成する。
func (r *FamilyRepo) Redeem(_ context.Context, code, recipientID string, now time.Time) (*model.BindResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var ic *model.InviteCode
	if found, ok := r.s.invites[code]; ok {
		ic = &found
	}
	if err := repository.CheckRedeemable(ic, recipientID, now); err != nil {
		return nil, err
	}

	created := !slices.ContainsFunc(r.s.bindings, func(b model.FamilyBinding) bool {
		return b.InviterID == ic.InviterID && b.RecipientID == recipientID
	})
	if created {
		r.s.bindings = append(r.s.bindings, model.FamilyBinding{
			InviterID:   ic.InviterID,
			RecipientID: recipientID,
			CreatedAt:   now,
		})
	}
	if !ic.Used() {
		ic.UsedAt = &now
		ic.RecipientID = recipientID
		r.s.invites[code] = *ic
	}
	return &model.BindResult{InviterID: ic.InviterID, Created: created}, nil
}

// Delete はエッジを向きを問わず削除し、対応づけを解除する。
func (r *FamilyRepo) Delete(_ context.Context, userA, userB string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	before := len(r.s.bindings)
	r.s.bindings = slices.DeleteFunc(r.s.bindings, func(b model.FamilyBinding) bool {
		return (b.InviterID == userA && b.RecipientID == userB) ||
			(b.InviterID == userB && b.RecipientID == userA)
	})

	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		list := r.s.patients[pair[0]]
		for i := range list {
			if list[i].LinkedUserID == pair[1] {
				list[i].LinkedUserID = ""
			}
		}
	}
	return len(r.s.bindings) < before, nil
}

// ListByUser はユーザーが関わるエッジを返す。
func (r *FamilyRepo) ListByUser(_ context.Context, userID string) ([]model.FamilyBinding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.FamilyBinding
	for _, b := range r.s.bindings {
		if b.Involves(userID) {
			out = append(out, b)
		}
	}
	return out, nil
}

// LinkedUserIDs は1ホップ制限付きで連携ユーザーを返す。
func (r *FamilyRepo) LinkedUserIDs(_ context.Context, userID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ids := []string{userID}
	add := func(id string) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	for _, b := range r.s.bindings {
		switch userID {
		case b.InviterID:
			add(b.RecipientID)
		case b.RecipientID:
			add(b.InviterID)
			for _, sibling := range r.s.bindings {
				if sibling.InviterID == b.InviterID {
					add(sibling.RecipientID)
				}
			}
		}
	}
	return ids, nil
}

// UpdateRelation は受信者の呼び名と続柄ラベルを更新する。
func (r *FamilyRepo) UpdateRelation(_ context.Context, inviterID, recipientID, recipientName, label string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i := range r.s.bindings {
		if r.s.bindings[i].InviterID == inviterID && r.s.bindings[i].RecipientID == recipientID {
			r.s.bindings[i].RecipientName = recipientName
			r.s.bindings[i].RelationLabel = label
			return nil
		}
	}
	return model.ErrBindingNotFound
}

// FrequencyRepo はインメモリの頻度コード表。
type FrequencyRepo struct{ s *Store }

// FindByCode は頻度コードを返す。
func (r *FrequencyRepo) FindByCode(_ context.Context, code string) (*model.Frequency, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, f := range r.s.frequencies {
		if f.Code == code {
			return &f, nil
		}
	}
	return nil, nil
}

// List は全頻度コードを返す。
func (r *FrequencyRepo) List(_ context.Context) ([]model.Frequency, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return slices.Clone(r.s.frequencies), nil
}

// DrugRepo はインメモリの薬品マスタ。
type DrugRepo struct{ s *Store }

// FindIDByName は薬品名から薬品IDを返す。
func (r *DrugRepo) FindIDByName(_ context.Context, name string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.drugs[name], nil
}

// ScheduleRepo はインメモリの服薬スケジュールリポジトリ。
type ScheduleRepo struct{ s *Store }

// SaveWithRecord は処方・服薬記録・スケジュールをまとめて保存する。
func (r *ScheduleRepo) SaveWithRecord(_ context.Context, record *model.MedicationRecord, entry *model.ScheduleEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.appendRecord(record)

	e := *entry
	e.Times = slices.Clone(entry.Times)
	e.DosesPerDay = len(e.Times)
	r.s.schedules[scheduleKey{e.OwnerID, e.Member, e.FrequencyCode}] = e
	return nil
}

// AppendRecord は処方を確保して服薬記録行だけを追記する。
func (r *ScheduleRepo) AppendRecord(_ context.Context, record *model.MedicationRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.appendRecord(record)
	return nil
}

// appendRecord は (owner, member) の処方を確保し、服薬記録行を追記する。呼び出し側でロックを取る。
func (s *Store) appendRecord(record *model.MedicationRecord) {
	orderKey := record.OwnerID + "\x00" + record.Member
	order, ok := s.orders[orderKey]
	if !ok {
		order = model.MedicationOrder{
			ID:        record.OrderID,
			OwnerID:   record.OwnerID,
			Member:    record.Member,
			CreatedAt: record.RecordedAt,
		}
		if order.ID == "" {
			order.ID = uuid.NewString()
		}
	}
	order.Source = record.SourceDetail
	s.orders[orderKey] = order
	record.OrderID = order.ID
	s.records = append(s.records, *record)
}

// Find はスケジュールを返す。
func (r *ScheduleRepo) Find(_ context.Context, ownerID, member, frequencyCode string) (*model.ScheduleEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.schedules[scheduleKey{ownerID, member, frequencyCode}]
	if !ok {
		return nil, nil
	}
	e.Times = slices.Clone(e.Times)
	return &e, nil
}

// UpdateSlots は時刻スロットを置き換える。
func (r *ScheduleRepo) UpdateSlots(_ context.Context, ownerID, member, frequencyCode string, times []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := scheduleKey{ownerID, member, frequencyCode}
	e, ok := r.s.schedules[k]
	if !ok {
		return model.ErrScheduleNotFound
	}
	e.Times = slices.Clone(times)
	e.DosesPerDay = len(times)
	e.UpdatedAt = r.s.Now()
	r.s.schedules[k] = e
	return nil
}

// Delete はスケジュール行を削除する。
func (r *ScheduleRepo) Delete(_ context.Context, ownerID, member, frequencyCode string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := scheduleKey{ownerID, member, frequencyCode}
	_, ok := r.s.schedules[k]
	delete(r.s.schedules, k)
	return ok, nil
}

// latestRecord は (owner, member, frequency) の最新の服薬記録を返す。
func (s *Store) latestRecord(k scheduleKey) (model.MedicationRecord, bool) {
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.OwnerID == k.owner && rec.Member == k.member && rec.FrequencyCode == k.frequency {
			return rec, true
		}
	}
	return model.MedicationRecord{}, false
}

func (s *Store) sortedKeys(match func(scheduleKey, model.ScheduleEntry) bool) []scheduleKey {
	var keys []scheduleKey
	for k, e := range s.schedules {
		if match(k, e) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.owner != b.owner {
			return a.owner < b.owner
		}
		if a.member != b.member {
			return a.member < b.member
		}
		return a.frequency < b.frequency
	})
	return keys
}

// ListByMember は服薬者のスケジュールを返す。
func (r *ScheduleRepo) ListByMember(_ context.Context, ownerID, member string) ([]model.ScheduleEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	keys := r.s.sortedKeys(func(k scheduleKey, _ model.ScheduleEntry) bool {
		return k.owner == ownerID && k.member == member
	})
	out := make([]model.ScheduleEntry, 0, len(keys))
	for _, k := range keys {
		e := r.s.schedules[k]
		e.Times = slices.Clone(e.Times)
		if rec, ok := r.s.latestRecord(k); ok {
			e.LastSource = rec.SourceDetail
		}
		out = append(out, e)
	}
	return out, nil
}

// ListDueAt はいずれかのスロットが hhmm と一致するスケジュールを返す。
func (r *ScheduleRepo) ListDueAt(_ context.Context, hhmm string) ([]model.DueReminder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	keys := r.s.sortedKeys(func(_ scheduleKey, e model.ScheduleEntry) bool {
		return slices.Contains(e.Times, hhmm)
	})
	var due []model.DueReminder
	for _, k := range keys {
		e := r.s.schedules[k]
		name := e.MedicineName
		if rec, ok := r.s.latestRecord(k); ok {
			name = rec.DrugName
			if rec.DrugID != "" {
				for n, id := range r.s.drugs {
					if id == rec.DrugID {
						name = n
						break
					}
				}
			}
		}
		due = append(due, model.DueReminder{
			OwnerID:       e.OwnerID,
			Member:        e.Member,
			MedicineName:  name,
			FrequencyName: e.FrequencyName,
			Dose:          e.Dose,
			Time:          hhmm,
		})
	}
	return due, nil
}

// StateRepo はインメモリの会話状態リポジトリ。
type StateRepo struct{ s *Store }

// Get は notBefore 以降に更新された状態データを返す。
func (r *StateRepo) Get(_ context.Context, userID string, notBefore time.Time) ([]byte, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.states[userID]
	if !ok || row.updatedAt.Before(notBefore) {
		return nil, nil
	}
	return slices.Clone(row.data), nil
}

// Set は状態データを保存する。
func (r *StateRepo) Set(_ context.Context, userID string, data []byte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.states[userID] = stateRow{data: slices.Clone(data), updatedAt: r.s.Now()}
	return nil
}

// Delete は状態データを削除する。
func (r *StateRepo) Delete(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.states, userID)
	return nil
}

var (
	_ repository.UserRepository       = (*UserRepo)(nil)
	_ repository.PatientRepository    = (*PatientRepo)(nil)
	_ repository.InviteCodeRepository = (*InviteCodeRepo)(nil)
	_ repository.FamilyRepository     = (*FamilyRepo)(nil)
	_ repository.FrequencyRepository  = (*FrequencyRepo)(nil)
	_ repository.DrugRepository       = (*DrugRepo)(nil)
	_ repository.ScheduleRepository   = (*ScheduleRepo)(nil)
	_ repository.StateRepository      = (*StateRepo)(nil)
)
