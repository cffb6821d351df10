package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/identity"
	"broadcast-scheduling-backend/pkg/models"

	"github.com/lib/pq"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// SQLDatabase implements DatabaseInterface on database/sql. Queries are written
// with ? placeholders and rebound for PostgreSQL.
type SQLDatabase struct {
	db      *sql.DB
	dialect dialect
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLDatabase) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLDatabase) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation matches both pq's SQLSTATE 23505 and SQLite's constraint text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed: unique")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HealthCheck 健康检查
func (s *SQLDatabase) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭连接
func (s *SQLDatabase) Close() error {
	return s.db.Close()
}

// ---- threads ----

const threadColumns = `id, organizer_id, title, description, status, kind, proposal_version,
	additional_propose_count, policy_json, rule_json, row_version, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*models.Thread, error) {
	var (
		t                    models.Thread
		policyJSON, ruleJSON string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.ID, &t.OrganizerID, &t.Title, &t.Description, &t.Status, &t.Kind,
		&t.ProposalVersion, &t.AdditionalProposeCount, &policyJSON, &ruleJSON, &t.RowVersion,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(policyJSON), &t.Policy); err != nil {
		return nil, fmt.Errorf("decode group policy: %w", err)
	}
	if err := json.Unmarshal([]byte(ruleJSON), &t.Rule); err != nil {
		return nil, fmt.Errorf("decode attendance rule: %w", err)
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func (s *SQLDatabase) getThread(ctx context.Context, q querier, threadID string) (*models.Thread, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), threadID)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// CreateThread 创建线程及其首批候选时间
func (s *SQLDatabase) CreateThread(ctx context.Context, thread *models.Thread, slots []models.Slot) error {
	policyJSON, err := marshalJSON(thread.Policy)
	if err != nil {
		return fmt.Errorf("encode group policy: %w", err)
	}
	ruleJSON, err := marshalJSON(thread.Rule)
	if err != nil {
		return fmt.Errorf("encode attendance rule: %w", err)
	}
	if thread.RowVersion == 0 {
		thread.RowVersion = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO threads (`+threadColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			thread.ID, thread.OrganizerID, thread.Title, thread.Description, string(thread.Status),
			string(thread.Kind), thread.ProposalVersion, thread.AdditionalProposeCount, policyJSON,
			ruleJSON, thread.RowVersion, toMillis(thread.CreatedAt), toMillis(thread.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to insert thread: %w", err)
		}
		return s.insertSlots(ctx, tx, slots)
	})
}

func (s *SQLDatabase) insertSlots(ctx context.Context, tx *sql.Tx, slots []models.Slot) error {
	for _, slot := range slots {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO slots (id, thread_id, start_at, end_at, timezone, label, proposal_version, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			slot.ID, slot.ThreadID, toMillis(slot.StartAt), toMillis(slot.EndAt), slot.Timezone,
			slot.Label, slot.ProposalVersion, slot.Position)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to insert slot: %w", err)
		}
	}
	return nil
}

// GetThread 获取线程
func (s *SQLDatabase) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	return s.getThread(ctx, s.db, threadID)
}

// SendThread 创建邀请并把草稿线程切换为 sent
func (s *SQLDatabase) SendThread(ctx context.Context, params SendParams) (*models.Thread, error) {
	ruleJSON, err := marshalJSON(params.Rule)
	if err != nil {
		return nil, fmt.Errorf("encode attendance rule: %w", err)
	}

	var out *models.Thread
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE threads
			SET status = ?, kind = ?, rule_json = ?, row_version = row_version + 1, updated_at = ?
			WHERE id = ? AND row_version = ? AND status = ?`),
			string(models.ThreadSent), string(params.Kind), ruleJSON, toMillis(params.Now),
			params.ThreadID, params.RowVersion, string(models.ThreadDraft))
		if err != nil {
			return fmt.Errorf("failed to send thread: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		for _, inv := range params.Invites {
			_, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO invites (id, thread_id, token, email, candidate_name, contact_id, invitee_key,
					status, expires_at, accepted_at, channel_type, channel_value, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				inv.ID, params.ThreadID, inv.Token, inv.Email, inv.CandidateName, inv.ContactID,
				inv.InviteeKey.String(), string(inv.Status), toMillis(inv.ExpiresAt), nullMillis(inv.AcceptedAt),
				string(inv.ChannelType), inv.ChannelValue, toMillis(inv.CreatedAt), toMillis(inv.UpdatedAt))
			if err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("failed to insert invite: %w", err)
			}
		}

		out, err = s.getThread(ctx, tx, params.ThreadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceProposal 原子替换候选时间、清空回复并递增 proposal_version
func (s *SQLDatabase) ReplaceProposal(ctx context.Context, params ReproposeParams) (*models.Thread, []models.Slot, error) {
	var (
		out   *models.Thread
		slots []models.Slot
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getThread(ctx, tx, params.ThreadID)
		if err != nil {
			return err
		}
		if current.RowVersion != params.RowVersion || current.Status.IsTerminal() {
			return ErrConflict
		}

		policy := current.Policy
		if params.DeadlineAt != nil {
			deadline := params.DeadlineAt.UTC()
			policy.DeadlineAt = &deadline
		}
		policyJSON, err := marshalJSON(policy)
		if err != nil {
			return fmt.Errorf("encode group policy: %w", err)
		}

		nextVersion := current.ProposalVersion + 1
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE threads
			SET proposal_version = ?, additional_propose_count = additional_propose_count + 1,
				policy_json = ?, row_version = row_version + 1, updated_at = ?
			WHERE id = ? AND row_version = ?`),
			nextVersion, policyJSON, toMillis(params.Now), params.ThreadID, params.RowVersion)
		if err != nil {
			return fmt.Errorf("failed to bump proposal version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM slots WHERE thread_id = ?`), params.ThreadID); err != nil {
			return fmt.Errorf("failed to delete slots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM selections WHERE thread_id = ?`), params.ThreadID); err != nil {
			return fmt.Errorf("failed to clear selections: %w", err)
		}
		if params.InviteExpiresAt != nil {
			expiresAt := toMillis(*params.InviteExpiresAt)
			if _, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE invites SET expires_at = ?, updated_at = ?
				WHERE thread_id = ? AND expires_at < ?`),
				expiresAt, toMillis(params.Now), params.ThreadID, expiresAt); err != nil {
				return fmt.Errorf("failed to extend invite expiry: %w", err)
			}
		}

		slots = make([]models.Slot, len(params.Slots))
		for i, slot := range params.Slots {
			slot.ThreadID = params.ThreadID
			slot.ProposalVersion = nextVersion
			slot.Position = i
			slots[i] = slot
		}
		if err := s.insertSlots(ctx, tx, slots); err != nil {
			return err
		}

		out, err = s.getThread(ctx, tx, params.ThreadID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, slots, nil
}

// CancelThread 取消线程
func (s *SQLDatabase) CancelThread(ctx context.Context, threadID string, rowVersion int64, now time.Time) (*models.Thread, error) {
	var out *models.Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE threads
			SET status = ?, row_version = row_version + 1, updated_at = ?
			WHERE id = ? AND row_version = ? AND status IN (?, ?)`),
			string(models.ThreadCancelled), toMillis(now), threadID, rowVersion,
			string(models.ThreadDraft), string(models.ThreadSent))
		if err != nil {
			return fmt.Errorf("failed to cancel thread: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		out, err = s.getThread(ctx, tx, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---- slots ----

func scanSlot(row interface{ Scan(...any) error }) (*models.Slot, error) {
	var (
		slot       models.Slot
		start, end int64
	)
	if err := row.Scan(&slot.ID, &slot.ThreadID, &start, &end, &slot.Timezone, &slot.Label,
		&slot.ProposalVersion, &slot.Position); err != nil {
		return nil, err
	}
	slot.StartAt = fromMillis(start)
	slot.EndAt = fromMillis(end)
	return &slot, nil
}

const slotColumns = `id, thread_id, start_at, end_at, timezone, label, proposal_version, position`

// ListSlots 列出指定 proposal_version 的候选时间
func (s *SQLDatabase) ListSlots(ctx context.Context, threadID string, proposalVersion int) ([]models.Slot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+slotColumns+` FROM slots
		WHERE thread_id = ? AND proposal_version = ?
		ORDER BY position, start_at`), threadID, proposalVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	slots := []models.Slot{}
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slots: %w", err)
	}
	return slots, nil
}

// GetSlot 获取单个候选时间
func (s *SQLDatabase) GetSlot(ctx context.Context, threadID, slotID string) (*models.Slot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+slotColumns+` FROM slots WHERE thread_id = ? AND id = ?`), threadID, slotID)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// ---- invites ----

const inviteColumns = `id, thread_id, token, email, candidate_name, contact_id, invitee_key, status,
	expires_at, accepted_at, channel_type, channel_value, created_at, updated_at`

func scanInvite(row interface{ Scan(...any) error }) (*models.Invite, error) {
	var (
		inv                  models.Invite
		key                  string
		expiresAt            int64
		acceptedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&inv.ID, &inv.ThreadID, &inv.Token, &inv.Email, &inv.CandidateName,
		&inv.ContactID, &key, &inv.Status, &expiresAt, &acceptedAt, &inv.ChannelType,
		&inv.ChannelValue, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := identity.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invite %s: %w", inv.ID, err)
	}
	inv.InviteeKey = parsed
	inv.ExpiresAt = fromMillis(expiresAt)
	inv.AcceptedAt = fromNullMillis(acceptedAt)
	inv.CreatedAt = fromMillis(createdAt)
	inv.UpdatedAt = fromMillis(updatedAt)
	return &inv, nil
}

// ListInvites 列出线程的邀请
func (s *SQLDatabase) ListInvites(ctx context.Context, threadID string) ([]models.Invite, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+inviteColumns+` FROM invites WHERE thread_id = ? ORDER BY created_at, id`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invites: %w", err)
	}
	defer rows.Close()

	invites := []models.Invite{}
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invites: %w", err)
	}
	return invites, nil
}

// GetInviteByToken 根据令牌获取邀请
func (s *SQLDatabase) GetInviteByToken(ctx context.Context, token string) (*models.Invite, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+inviteColumns+` FROM invites WHERE token = ?`), token)
	inv, err := scanInvite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	return inv, nil
}

// MarkInviteAccepted 首次回复时把邀请标记为 accepted
func (s *SQLDatabase) MarkInviteAccepted(ctx context.Context, inviteID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE invites SET status = ?, accepted_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.InviteAccepted), toMillis(at), toMillis(at), inviteID, string(models.InvitePending))
	if err != nil {
		return fmt.Errorf("failed to accept invite: %w", err)
	}
	return nil
}

// ---- selections ----

// UpsertSelection 写入回复，同一 (thread_id, invitee_key) 后写覆盖
func (s *SQLDatabase) UpsertSelection(ctx context.Context, sel *models.Selection) error {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO selections (id, thread_id, invitee_key, status, selected_slot_id, comment,
			responded_at, proposal_version_at_response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, invitee_key) DO UPDATE SET
			status = excluded.status,
			selected_slot_id = excluded.selected_slot_id,
			comment = excluded.comment,
			responded_at = excluded.responded_at,
			proposal_version_at_response = excluded.proposal_version_at_response
		RETURNING id`),
		sel.ID, sel.ThreadID, sel.InviteeKey.String(), string(sel.Status), sel.SelectedSlotID,
		sel.Comment, toMillis(sel.RespondedAt), sel.ProposalVersionAtResponse)
	if err := row.Scan(&sel.ID); err != nil {
		return fmt.Errorf("failed to upsert selection: %w", err)
	}
	return nil
}

// ListSelections 列出线程的全部回复
func (s *SQLDatabase) ListSelections(ctx context.Context, threadID string) ([]models.Selection, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, thread_id, invitee_key, status, selected_slot_id, comment, responded_at,
			proposal_version_at_response
		FROM selections WHERE thread_id = ? ORDER BY responded_at, id`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query selections: %w", err)
	}
	defer rows.Close()

	selections := []models.Selection{}
	for rows.Next() {
		var (
			sel         models.Selection
			key         string
			respondedAt int64
		)
		if err := rows.Scan(&sel.ID, &sel.ThreadID, &key, &sel.Status, &sel.SelectedSlotID,
			&sel.Comment, &respondedAt, &sel.ProposalVersionAtResponse); err != nil {
			return nil, fmt.Errorf("failed to scan selection: %w", err)
		}
		if sel.InviteeKey, err = identity.Parse(key); err != nil {
			return nil, fmt.Errorf("selection %s: %w", sel.ID, err)
		}
		sel.RespondedAt = fromMillis(respondedAt)
		selections = append(selections, sel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating selections: %w", err)
	}
	return selections, nil
}

// ---- finalization ----

func (s *SQLDatabase) getFinalization(ctx context.Context, q querier, threadID string) (*models.Finalization, error) {
	var (
		fin              models.Finalization
		finalizedAt      int64
		participantsJSON string
		meetingJSON      sql.NullString
	)
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT thread_id, final_slot_id, finalize_policy, finalized_by, reason, finalized_at,
			final_participants_json, meeting_json
		FROM finalizations WHERE thread_id = ?`), threadID).
		Scan(&fin.ThreadID, &fin.FinalSlotID, &fin.Policy, &fin.FinalizedBy, &fin.Reason,
			&finalizedAt, &participantsJSON, &meetingJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finalization: %w", err)
	}
	fin.FinalizedAt = fromMillis(finalizedAt)
	if err := json.Unmarshal([]byte(participantsJSON), &fin.FinalParticipants); err != nil {
		return nil, fmt.Errorf("decode final participants: %w", err)
	}
	if meetingJSON.Valid && meetingJSON.String != "" {
		var meeting models.MeetingRef
		if err := json.Unmarshal([]byte(meetingJSON.String), &meeting); err != nil {
			return nil, fmt.Errorf("decode meeting: %w", err)
		}
		fin.Meeting = &meeting
	}
	return &fin, nil
}

// CommitFinalization 插入定案并确认线程；已有定案时返回已存在的记录
func (s *SQLDatabase) CommitFinalization(ctx context.Context, fin *models.Finalization, rowVersion int64) (*models.Finalization, bool, error) {
	participants := fin.FinalParticipants
	if participants == nil {
		participants = []identity.Identity{}
	}
	participantsJSON, err := marshalJSON(participants)
	if err != nil {
		return nil, false, fmt.Errorf("encode final participants: %w", err)
	}

	var (
		stored  *models.Finalization
		created bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO finalizations (thread_id, final_slot_id, finalize_policy, finalized_by, reason,
				finalized_at, final_participants_json, meeting_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT (thread_id) DO NOTHING`),
			fin.ThreadID, fin.FinalSlotID, string(fin.Policy), fin.FinalizedBy, fin.Reason,
			toMillis(fin.FinalizedAt), participantsJSON)
		if err != nil {
			return fmt.Errorf("failed to insert finalization: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			stored, err = s.getFinalization(ctx, tx, fin.ThreadID)
			return err
		}

		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE threads
			SET status = ?, row_version = row_version + 1, updated_at = ?
			WHERE id = ? AND row_version = ? AND status = ?`),
			string(models.ThreadConfirmed), toMillis(fin.FinalizedAt), fin.ThreadID, rowVersion,
			string(models.ThreadSent))
		if err != nil {
			return fmt.Errorf("failed to confirm thread: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}

		stored, err = s.getFinalization(ctx, tx, fin.ThreadID)
		created = true
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetFinalization 获取定案
func (s *SQLDatabase) GetFinalization(ctx context.Context, threadID string) (*models.Finalization, error) {
	return s.getFinalization(ctx, s.db, threadID)
}

// SetFinalizationMeeting 只在会议链接为空时写入一次
func (s *SQLDatabase) SetFinalizationMeeting(ctx context.Context, threadID string, meeting *models.MeetingRef) error {
	meetingJSON, err := marshalJSON(meeting)
	if err != nil {
		return fmt.Errorf("encode meeting: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE finalizations SET meeting_json = ? WHERE thread_id = ? AND meeting_json IS NULL`),
		meetingJSON, threadID)
	if err != nil {
		return fmt.Errorf("failed to set meeting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getFinalization(ctx, s.db, threadID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// EnsureMembership 不存在时插入成员关系
func (s *SQLDatabase) EnsureMembership(ctx context.Context, m *models.ThreadMembership) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO thread_memberships (thread_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id, user_id) DO NOTHING`),
		m.ThreadID, m.UserID, string(m.Role), toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to ensure membership: %w", err)
	}
	return nil
}

// ListMemberships 列出线程成员
func (s *SQLDatabase) ListMemberships(ctx context.Context, threadID string) ([]models.ThreadMembership, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT thread_id, user_id, role, created_at FROM thread_memberships
		WHERE thread_id = ? ORDER BY created_at, user_id`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	members := []models.ThreadMembership{}
	for rows.Next() {
		var (
			m         models.ThreadMembership
			createdAt int64
		)
		if err := rows.Scan(&m.ThreadID, &m.UserID, &m.Role, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}
	return members, nil
}

// ---- reminders ----

// ClaimRemindCooldown 以条件 upsert 占用提醒冷却窗口
func (s *SQLDatabase) ClaimRemindCooldown(ctx context.Context, threadID, organizerID string, now time.Time, window time.Duration) (bool, time.Time, error) {
	cutoff := now.Add(-window)
	var claimedAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO remind_cooldowns (thread_id, organizer_id, last_reminded_at)
		VALUES (?, ?, ?)
		ON CONFLICT (thread_id, organizer_id) DO UPDATE
			SET last_reminded_at = excluded.last_reminded_at
			WHERE remind_cooldowns.last_reminded_at <= ?
		RETURNING last_reminded_at`),
		threadID, organizerID, toMillis(now), toMillis(cutoff)).Scan(&claimedAt)
	if err == nil {
		return true, fromMillis(claimedAt), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, time.Time{}, fmt.Errorf("failed to claim remind cooldown: %w", err)
	}

	last, err := s.GetRemindCooldown(ctx, threadID, organizerID)
	if err != nil {
		return false, time.Time{}, err
	}
	return false, last, nil
}

// GetRemindCooldown 返回最近一次提醒时间
func (s *SQLDatabase) GetRemindCooldown(ctx context.Context, threadID, organizerID string) (time.Time, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT last_reminded_at FROM remind_cooldowns WHERE thread_id = ? AND organizer_id = ?`),
		threadID, organizerID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get remind cooldown: %w", err)
	}
	return fromMillis(last), nil
}

// InsertRemindLog 写入提醒日志
func (s *SQLDatabase) InsertRemindLog(ctx context.Context, log *models.RemindLog) error {
	keys := log.InviteeKeys
	if keys == nil {
		keys = []identity.Identity{}
	}
	keysJSON, err := marshalJSON(keys)
	if err != nil {
		return fmt.Errorf("encode invitee keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO remind_logs (id, thread_id, organizer_id, reminded_count, invitee_keys_json, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.ThreadID, log.OrganizerID, log.RemindedCount, keysJSON, log.Message, toMillis(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert remind log: %w", err)
	}
	return nil
}

// ListRemindLogs 按时间倒序列出组织者的提醒日志
func (s *SQLDatabase) ListRemindLogs(ctx context.Context, organizerID string, limit int) ([]models.RemindLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, thread_id, organizer_id, reminded_count, invitee_keys_json, message, created_at
		FROM remind_logs WHERE organizer_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`), organizerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query remind logs: %w", err)
	}
	defer rows.Close()

	logs := []models.RemindLog{}
	for rows.Next() {
		var (
			l         models.RemindLog
			keysJSON  string
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.ThreadID, &l.OrganizerID, &l.RemindedCount, &keysJSON,
			&l.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan remind log: %w", err)
		}
		if err := json.Unmarshal([]byte(keysJSON), &l.InviteeKeys); err != nil {
			return nil, fmt.Errorf("decode invitee keys: %w", err)
		}
		l.CreatedAt = fromMillis(createdAt)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remind logs: %w", err)
	}
	return logs, nil
}

// ---- delivery queue & inbox ----

// EnqueueJob 写入投递任务
func (s *SQLDatabase) EnqueueJob(ctx context.Context, job *models.DeliveryJob) error {
	dataJSON, err := marshalJSON(job.Data)
	if err != nil {
		return fmt.Errorf("encode job data: %w", err)
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO delivery_jobs (id, type, channel, recipient, subject, data_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Type, string(job.Channel), job.To, job.Subject, dataJSON, string(job.Status),
		toMillis(job.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// ListJobs 按入队顺序列出投递任务
func (s *SQLDatabase) ListJobs(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, type, channel, recipient, subject, data_json, status, created_at
		FROM delivery_jobs ORDER BY created_at, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.DeliveryJob{}
	for rows.Next() {
		var (
			job       models.DeliveryJob
			dataJSON  string
			createdAt int64
		)
		if err := rows.Scan(&job.ID, &job.Type, &job.Channel, &job.To, &job.Subject, &dataJSON,
			&job.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &job.Data); err != nil {
			return nil, fmt.Errorf("decode job data: %w", err)
		}
		job.CreatedAt = fromMillis(createdAt)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// PutInboxNotification 写入站内通知
func (s *SQLDatabase) PutInboxNotification(ctx context.Context, n *models.InboxNotification) error {
	dataJSON, err := marshalJSON(n.Data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO inbox_notifications (id, user_id, type, title, message, data_json, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.UserID, n.Type, n.Title, n.Message, dataJSON, toMillis(n.CreatedAt), nullMillis(n.ReadAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListInbox 按时间倒序列出用户的站内通知
func (s *SQLDatabase) ListInbox(ctx context.Context, userID string, limit int) ([]models.InboxNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, user_id, type, title, message, data_json, created_at, read_at
		FROM inbox_notifications WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbox: %w", err)
	}
	defer rows.Close()

	items := []models.InboxNotification{}
	for rows.Next() {
		var (
			n         models.InboxNotification
			dataJSON  string
			createdAt int64
			readAt    sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &dataJSON, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
		n.CreatedAt = fromMillis(createdAt)
		n.ReadAt = fromNullMillis(readAt)
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbox: %w", err)
	}
	return items, nil
}

// ---- contacts ----

// CreateContact 创建联系人
func (s *SQLDatabase) CreateContact(ctx context.Context, c *models.Contact) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO contacts (id, owner_id, email, name, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.OwnerID, c.Email, c.Name, c.UserID, toMillis(c.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func scanContacts(rows *sql.Rows) ([]models.Contact, error) {
	defer rows.Close()
	contacts := []models.Contact{}
	for rows.Next() {
		var (
			c         models.Contact
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Email, &c.Name, &c.UserID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contacts: %w", err)
	}
	return contacts, nil
}

// GetContactsByIDs 获取组织者名下的联系人，忽略不属于该组织者的 ID
func (s *SQLDatabase) GetContactsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Contact, error) {
	if len(ids) == 0 {
		return []models.Contact{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, owner_id, email, name, user_id, created_at FROM contacts
		WHERE owner_id = ? AND id IN (`+placeholders+`)
		ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	return scanContacts(rows)
}

// CreateContactList 创建联系人列表及成员
func (s *SQLDatabase) CreateContactList(ctx context.Context, list *models.ContactList, contactIDs []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO contact_lists (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)`),
			list.ID, list.OwnerID, list.Name, toMillis(list.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create contact list: %w", err)
		}
		for _, contactID := range contactIDs {
			_, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO contact_list_members (list_id, contact_id) VALUES (?, ?)
				ON CONFLICT (list_id, contact_id) DO NOTHING`), list.ID, contactID)
			if err != nil {
				return fmt.Errorf("failed to add list member: %w", err)
			}
		}
		return nil
	})
}

// ListContactsInList 列出列表中的联系人
func (s *SQLDatabase) ListContactsInList(ctx context.Context, ownerID, listID string) ([]models.Contact, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(1) FROM contact_lists WHERE id = ? AND owner_id = ?`), listID, ownerID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to get contact list: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT c.id, c.owner_id, c.email, c.name, c.user_id, c.created_at
		FROM contacts c
		JOIN contact_list_members m ON m.contact_id = c.id
		WHERE m.list_id = ? AND c.owner_id = ?
		ORDER BY c.created_at, c.id`), listID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query list contacts: %w", err)
	}
	return scanContacts(rows)
}

// ---- users ----

// PutUser 创建或更新用户及订阅信息
func (s *SQLDatabase) PutUser(ctx context.Context, user *models.UserWithSubscription) error {
	if user.Tier == "" {
		user.Tier = models.TierFree
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, email, name, tier, subscription_status, is_lifetime_member, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			tier = excluded.tier,
			subscription_status = excluded.subscription_status,
			is_lifetime_member = excluded.is_lifetime_member,
			updated_at = excluded.updated_at`),
		user.ID, user.Email, user.Name, string(user.Tier), string(user.SubscriptionStatus),
		boolInt(user.IsLifetimeMember), toMillis(user.CreatedAt), toMillis(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// GetUserWithSubscription 获取用户及订阅信息
func (s *SQLDatabase) GetUserWithSubscription(ctx context.Context, userID string) (*models.UserWithSubscription, error) {
	var (
		u                    models.UserWithSubscription
		tierStr              string
		lifetime             int
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, email, name, tier, subscription_status, is_lifetime_member, created_at, updated_at
		FROM users WHERE id = ?`), userID).
		Scan(&u.ID, &u.Email, &u.Name, &tierStr, &u.SubscriptionStatus, &lifetime, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user with subscription: %w", err)
	}

	// 转换tier
	switch tierStr {
	case "pro":
		u.Tier = models.TierPro
	case "power":
		u.Tier = models.TierPower
	default:
		u.Tier = models.TierFree
	}
	u.IsLifetimeMember = lifetime != 0
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}
