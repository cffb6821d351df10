package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"
)

// MemoryDatabase 内存数据库实现，用于本地开发与测试
type MemoryDatabase struct {
	mu            sync.Mutex
	threads       map[string]*models.Thread
	slots         map[string][]models.Slot // thread_id -> current slots
	invites       map[string][]models.Invite
	selections    map[string]map[string]models.Selection // thread_id -> invitee_key -> selection
	finalizations map[string]*models.Finalization
	memberships   map[string]map[string]models.ThreadMembership
	cooldowns     map[string]time.Time
	remindLogs    []models.RemindLog
	jobs          []models.DeliveryJob
	inbox         []models.InboxNotification
	contacts      map[string]models.Contact
	lists         map[string]models.ContactList
	listMembers   map[string][]string
	users         map[string]models.UserWithSubscription
}

// NewMemoryDatabase 创建内存数据库实例
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		threads:       make(map[string]*models.Thread),
		slots:         make(map[string][]models.Slot),
		invites:       make(map[string][]models.Invite),
		selections:    make(map[string]map[string]models.Selection),
		finalizations: make(map[string]*models.Finalization),
		memberships:   make(map[string]map[string]models.ThreadMembership),
		cooldowns:     make(map[string]time.Time),
		contacts:      make(map[string]models.Contact),
		lists:         make(map[string]models.ContactList),
		listMembers:   make(map[string][]string),
		users:         make(map[string]models.UserWithSubscription),
	}
}

func cloneThread(t *models.Thread) *models.Thread {
	out := *t
	out.Policy.RequiredInviteeKeys = append([]identity.Identity(nil), t.Policy.RequiredInviteeKeys...)
	if t.Policy.DeadlineAt != nil {
		d := *t.Policy.DeadlineAt
		out.Policy.DeadlineAt = &d
	}
	if t.Policy.QuorumCount != nil {
		q := *t.Policy.QuorumCount
		out.Policy.QuorumCount = &q
	}
	if t.Policy.ParticipantLimit != nil {
		l := *t.Policy.ParticipantLimit
		out.Policy.ParticipantLimit = &l
	}
	if rpq, ok := t.Rule.Condition.(models.RequiredPlusQuorum); ok {
		rpq.Required = append([]identity.Identity(nil), rpq.Required...)
		out.Rule.Condition = rpq
	}
	return &out
}

func cloneFinalization(f *models.Finalization) *models.Finalization {
	out := *f
	out.FinalParticipants = append([]identity.Identity{}, f.FinalParticipants...)
	if f.Meeting != nil {
		m := *f.Meeting
		out.Meeting = &m
	}
	return &out
}

func cooldownKey(threadID, organizerID string) string {
	return threadID + "\x00" + organizerID
}

// CreateThread 创建线程
func (db *MemoryDatabase) CreateThread(ctx context.Context, thread *models.Thread, slots []models.Slot) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.threads[thread.ID]; ok {
		return ErrConflict
	}
	if thread.RowVersion == 0 {
		thread.RowVersion = 1
	}
	db.threads[thread.ID] = cloneThread(thread)
	db.slots[thread.ID] = append([]models.Slot(nil), slots...)
	return nil
}

// GetThread 获取线程
func (db *MemoryDatabase) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(t), nil
}

// SendThread 创建邀请并切换为 sent
func (db *MemoryDatabase) SendThread(ctx context.Context, params SendParams) (*models.Thread, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.threads[params.ThreadID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.RowVersion != params.RowVersion || t.Status != models.ThreadDraft {
		return nil, ErrConflict
	}
	seen := make(map[identity.Identity]bool, len(params.Invites))
	for _, inv := range params.Invites {
		if seen[inv.InviteeKey] {
			return nil, ErrConflict
		}
		seen[inv.InviteeKey] = true
	}

	invites := make([]models.Invite, 0, len(params.Invites))
	for _, inv := range params.Invites {
		inv.ThreadID = params.ThreadID
		invites = append(invites, inv)
	}
	db.invites[params.ThreadID] = append(db.invites[params.ThreadID], invites...)

	t.Status = models.ThreadSent
	t.Kind = params.Kind
	t.Rule = params.Rule
	t.RowVersion++
	t.UpdatedAt = params.Now
	return cloneThread(t), nil
}

// ReplaceProposal 替换候选时间并清空回复
func (db *MemoryDatabase) ReplaceProposal(ctx context.Context, params ReproposeParams) (*models.Thread, []models.Slot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.threads[params.ThreadID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if t.RowVersion != params.RowVersion || t.Status.IsTerminal() {
		return nil, nil, ErrConflict
	}

	t.ProposalVersion++
	t.AdditionalProposeCount++
	if params.DeadlineAt != nil {
		d := params.DeadlineAt.UTC()
		t.Policy.DeadlineAt = &d
	}
	t.RowVersion++
	t.UpdatedAt = params.Now

	slots := make([]models.Slot, len(params.Slots))
	for i, slot := range params.Slots {
		slot.ThreadID = params.ThreadID
		slot.ProposalVersion = t.ProposalVersion
		slot.Position = i
		slots[i] = slot
	}
	db.slots[params.ThreadID] = slots
	delete(db.selections, params.ThreadID)
	if params.InviteExpiresAt != nil {
		invites := db.invites[params.ThreadID]
		for i := range invites {
			if invites[i].ExpiresAt.Before(*params.InviteExpiresAt) {
				invites[i].ExpiresAt = params.InviteExpiresAt.UTC()
				invites[i].UpdatedAt = params.Now
			}
		}
	}

	return cloneThread(t), append([]models.Slot(nil), slots...), nil
}

// CancelThread 取消线程
func (db *MemoryDatabase) CancelThread(ctx context.Context, threadID string, rowVersion int64, now time.Time) (*models.Thread, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.RowVersion != rowVersion || t.Status.IsTerminal() {
		return nil, ErrConflict
	}
	t.Status = models.ThreadCancelled
	t.RowVersion++
	t.UpdatedAt = now
	return cloneThread(t), nil
}

// ListSlots 列出候选时间
func (db *MemoryDatabase) ListSlots(ctx context.Context, threadID string, proposalVersion int) ([]models.Slot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := []models.Slot{}
	for _, slot := range db.slots[threadID] {
		if slot.ProposalVersion == proposalVersion {
			out = append(out, slot)
		}
	}
	return out, nil
}

// GetSlot 获取候选时间
func (db *MemoryDatabase) GetSlot(ctx context.Context, threadID, slotID string) (*models.Slot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, slot := range db.slots[threadID] {
		if slot.ID == slotID {
			s := slot
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

// ListInvites 列出邀请
func (db *MemoryDatabase) ListInvites(ctx context.Context, threadID string) ([]models.Invite, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return append([]models.Invite{}, db.invites[threadID]...), nil
}

// GetInviteByToken 根据令牌获取邀请
func (db *MemoryDatabase) GetInviteByToken(ctx context.Context, token string) (*models.Invite, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, invites := range db.invites {
		for _, inv := range invites {
			if inv.Token == token {
				out := inv
				return &out, nil
			}
		}
	}
	return nil, ErrNotFound
}

// MarkInviteAccepted 标记邀请已接受
func (db *MemoryDatabase) MarkInviteAccepted(ctx context.Context, inviteID string, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for threadID, invites := range db.invites {
		for i := range invites {
			if invites[i].ID != inviteID {
				continue
			}
			if invites[i].Status == models.InvitePending {
				accepted := at
				invites[i].Status = models.InviteAccepted
				invites[i].AcceptedAt = &accepted
				invites[i].UpdatedAt = at
				db.invites[threadID] = invites
			}
			return nil
		}
	}
	return nil
}

// UpsertSelection 写入回复
func (db *MemoryDatabase) UpsertSelection(ctx context.Context, sel *models.Selection) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	byKey, ok := db.selections[sel.ThreadID]
	if !ok {
		byKey = make(map[string]models.Selection)
		db.selections[sel.ThreadID] = byKey
	}
	key := sel.InviteeKey.String()
	if prior, ok := byKey[key]; ok {
		sel.ID = prior.ID
	}
	byKey[key] = *sel
	return nil
}

// ListSelections 列出回复
func (db *MemoryDatabase) ListSelections(ctx context.Context, threadID string) ([]models.Selection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]models.Selection, 0, len(db.selections[threadID]))
	for _, sel := range db.selections[threadID] {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RespondedAt.Equal(out[j].RespondedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RespondedAt.Before(out[j].RespondedAt)
	})
	return out, nil
}

// CommitFinalization 插入定案并确认线程
func (db *MemoryDatabase) CommitFinalization(ctx context.Context, fin *models.Finalization, rowVersion int64) (*models.Finalization, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if existing, ok := db.finalizations[fin.ThreadID]; ok {
		return cloneFinalization(existing), false, nil
	}
	t, ok := db.threads[fin.ThreadID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.RowVersion != rowVersion || t.Status != models.ThreadSent {
		return nil, false, ErrConflict
	}

	stored := cloneFinalization(fin)
	stored.Meeting = nil
	db.finalizations[fin.ThreadID] = stored
	t.Status = models.ThreadConfirmed
	t.RowVersion++
	t.UpdatedAt = fin.FinalizedAt
	return cloneFinalization(stored), true, nil
}

// GetFinalization 获取定案
func (db *MemoryDatabase) GetFinalization(ctx context.Context, threadID string) (*models.Finalization, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	fin, ok := db.finalizations[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFinalization(fin), nil
}

// SetFinalizationMeeting 写入会议链接
func (db *MemoryDatabase) SetFinalizationMeeting(ctx context.Context, threadID string, meeting *models.MeetingRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	fin, ok := db.finalizations[threadID]
	if !ok {
		return ErrNotFound
	}
	if fin.Meeting != nil {
		return ErrConflict
	}
	m := *meeting
	fin.Meeting = &m
	return nil
}

// EnsureMembership 不存在时插入成员关系
func (db *MemoryDatabase) EnsureMembership(ctx context.Context, m *models.ThreadMembership) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	members, ok := db.memberships[m.ThreadID]
	if !ok {
		members = make(map[string]models.ThreadMembership)
		db.memberships[m.ThreadID] = members
	}
	if _, exists := members[m.UserID]; !exists {
		members[m.UserID] = *m
	}
	return nil
}

// ListMemberships 列出成员
func (db *MemoryDatabase) ListMemberships(ctx context.Context, threadID string) ([]models.ThreadMembership, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]models.ThreadMembership, 0, len(db.memberships[threadID]))
	for _, m := range db.memberships[threadID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ClaimRemindCooldown 占用提醒冷却窗口
func (db *MemoryDatabase) ClaimRemindCooldown(ctx context.Context, threadID, organizerID string, now time.Time, window time.Duration) (bool, time.Time, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := cooldownKey(threadID, organizerID)
	if last, ok := db.cooldowns[key]; ok && last.After(now.Add(-window)) {
		return false, last, nil
	}
	db.cooldowns[key] = now
	return true, now, nil
}

// GetRemindCooldown 返回最近一次提醒时间
func (db *MemoryDatabase) GetRemindCooldown(ctx context.Context, threadID, organizerID string) (time.Time, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	last, ok := db.cooldowns[cooldownKey(threadID, organizerID)]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return last, nil
}

// InsertRemindLog 写入提醒日志
func (db *MemoryDatabase) InsertRemindLog(ctx context.Context, log *models.RemindLog) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	entry := *log
	entry.InviteeKeys = append([]identity.Identity{}, log.InviteeKeys...)
	db.remindLogs = append(db.remindLogs, entry)
	return nil
}

// ListRemindLogs 按时间倒序列出提醒日志
func (db *MemoryDatabase) ListRemindLogs(ctx context.Context, organizerID string, limit int) ([]models.RemindLog, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := []models.RemindLog{}
	for i := len(db.remindLogs) - 1; i >= 0 && len(out) < limit; i-- {
		if db.remindLogs[i].OrganizerID == organizerID {
			out = append(out, db.remindLogs[i])
		}
	}
	return out, nil
}

// EnqueueJob 写入投递任务
func (db *MemoryDatabase) EnqueueJob(ctx context.Context, job *models.DeliveryJob) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.jobs {
		if existing.ID == job.ID {
			return ErrConflict
		}
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	db.jobs = append(db.jobs, *job)
	return nil
}

// ListJobs 按入队顺序列出投递任务
func (db *MemoryDatabase) ListJobs(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	if limit > len(db.jobs) {
		limit = len(db.jobs)
	}
	return append([]models.DeliveryJob{}, db.jobs[:limit]...), nil
}

// PutInboxNotification 写入站内通知
func (db *MemoryDatabase) PutInboxNotification(ctx context.Context, n *models.InboxNotification) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.inbox {
		if existing.ID == n.ID {
			return ErrConflict
		}
	}
	db.inbox = append(db.inbox, *n)
	return nil
}

// ListInbox 按时间倒序列出站内通知
func (db *MemoryDatabase) ListInbox(ctx context.Context, userID string, limit int) ([]models.InboxNotification, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := []models.InboxNotification{}
	for i := len(db.inbox) - 1; i >= 0 && len(out) < limit; i-- {
		if db.inbox[i].UserID == userID {
			out = append(out, db.inbox[i])
		}
	}
	return out, nil
}

// CreateContact 创建联系人
func (db *MemoryDatabase) CreateContact(ctx context.Context, c *models.Contact) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.contacts[c.ID]; ok {
		return ErrConflict
	}
	db.contacts[c.ID] = *c
	return nil
}

// GetContactsByIDs 获取组织者名下的联系人
func (db *MemoryDatabase) GetContactsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Contact, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := []models.Contact{}
	for _, id := range ids {
		if c, ok := db.contacts[id]; ok && c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

// CreateContactList 创建联系人列表
func (db *MemoryDatabase) CreateContactList(ctx context.Context, list *models.ContactList, contactIDs []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.lists[list.ID]; ok {
		return ErrConflict
	}
	db.lists[list.ID] = *list
	db.listMembers[list.ID] = append([]string(nil), contactIDs...)
	return nil
}

// ListContactsInList 列出列表中的联系人
func (db *MemoryDatabase) ListContactsInList(ctx context.Context, ownerID, listID string) ([]models.Contact, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	list, ok := db.lists[listID]
	if !ok || list.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	out := []models.Contact{}
	for _, id := range db.listMembers[listID] {
		if c, ok := db.contacts[id]; ok && c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

// PutUser 创建或更新用户
func (db *MemoryDatabase) PutUser(ctx context.Context, user *models.UserWithSubscription) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if user.Tier == "" {
		user.Tier = models.TierFree
	}
	db.users[user.ID] = *user
	return nil
}

// GetUserWithSubscription 获取用户及订阅信息
func (db *MemoryDatabase) GetUserWithSubscription(ctx context.Context, userID string) (*models.UserWithSubscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// HealthCheck 健康检查
func (db *MemoryDatabase) HealthCheck(ctx context.Context) error {
	return nil
}

// Close 关闭连接
func (db *MemoryDatabase) Close() error {
	return nil
}
