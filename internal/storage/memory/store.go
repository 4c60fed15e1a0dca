package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailzen/backend/internal/domain"
	"mailzen/backend/internal/storage"
)

// Store 使用内存保存邮箱、入站事件与同步台账，主要用于开发验证与测试。
type Store struct {
	mu            sync.RWMutex
	mailboxes     map[string]*domain.Mailbox
	byEmail       map[string]string                      // email -> mailboxID
	messages      map[string]map[string]*domain.Message  // mailboxID -> messageID -> message
	byInboundID   map[string]string                      // mailboxID:inboundID -> messageID
	events        map[string]*domain.InboundEvent        // mailboxID:messageID -> event
	runs          []domain.SyncRun                       // 只追加
	alertStates   map[string]*domain.AlertState          // userID:domain -> state
	preferences   map[string]*domain.NotificationPreference
	notifications []domain.Notification

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:   make(map[string]*domain.Mailbox),
		byEmail:     make(map[string]string),
		messages:    make(map[string]map[string]*domain.Message),
		byInboundID: make(map[string]string),
		events:      make(map[string]*domain.InboundEvent),
		alertStates: make(map[string]*domain.AlertState),
		preferences: make(map[string]*domain.NotificationPreference),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ storage.Store = (*Store)(nil)

func compositeKey(a, b string) string {
	return a + ":" + b
}

// ========== Mailbox Repository ==========

// SaveMailbox 保存邮箱信息。
func (s *Store) SaveMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = now
	}
	mailbox.UpdatedAt = now
	mailbox.Email = domain.NormalizeEmail(mailbox.Email)
	if mailbox.Status == "" {
		mailbox.Status = domain.MailboxStatusActive
	}
	if mailbox.InboundSyncStatus == "" {
		mailbox.InboundSyncStatus = domain.SyncStatusIdle
	}

	if existing, ok := s.mailboxes[mailbox.ID]; ok && existing.Email != mailbox.Email {
		delete(s.byEmail, existing.Email)
	}
	cp := *mailbox
	s.mailboxes[mailbox.ID] = &cp
	s.byEmail[mailbox.Email] = mailbox.ID
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(_ context.Context, id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	cp := *mailbox
	return &cp, nil
}

// GetMailboxByEmail 根据规范化地址获取邮箱。
func (s *Store) GetMailboxByEmail(ctx context.Context, email string) (*domain.Mailbox, error) {
	s.mu.RLock()
	id, ok := s.byEmail[domain.NormalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return s.GetMailbox(ctx, id)
}

// ListActiveMailboxes 返回 ACTIVE 邮箱快照。
func (s *Store) ListActiveMailboxes(_ context.Context, limit int) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0, len(s.mailboxes))
	for _, mailbox := range s.mailboxes {
		if mailbox.Status == domain.MailboxStatusActive {
			result = append(result, *mailbox)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateSyncState 更新同步状态字段。
func (s *Store) UpdateSyncState(_ context.Context, id string, update domain.SyncStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	update.Apply(mailbox)
	mailbox.UpdatedAt = s.now()
	return nil
}

// AcquireLease 在互斥锁内完成检查与写入，语义与数据库条件更新一致。
func (s *Store) AcquireLease(_ context.Context, id, token string, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok || mailbox.Status != domain.MailboxStatusActive {
		return false, nil
	}
	if mailbox.InboundSyncLeaseExpiresAt != nil && !mailbox.InboundSyncLeaseExpiresAt.Before(now) {
		return false, nil
	}
	leaseToken := token
	leaseExpiresAt := expiresAt
	mailbox.InboundSyncLeaseToken = &leaseToken
	mailbox.InboundSyncLeaseExpiresAt = &leaseExpiresAt
	return true, nil
}

// ReleaseLease 只释放自己持有的租约。
func (s *Store) ReleaseLease(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil
	}
	if mailbox.InboundSyncLeaseToken != nil && *mailbox.InboundSyncLeaseToken == token {
		mailbox.InboundSyncLeaseToken = nil
		mailbox.InboundSyncLeaseExpiresAt = nil
	}
	return nil
}

// ========== Message Repository ==========

// CreateMessage 保存入站邮件。
func (s *Store) CreateMessage(_ context.Context, message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createMessageLocked(message)
	return nil
}

func (s *Store) createMessageLocked(message *domain.Message) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	if _, ok := s.messages[message.MailboxID]; !ok {
		s.messages[message.MailboxID] = make(map[string]*domain.Message)
	}
	cp := *message
	s.messages[message.MailboxID][message.ID] = &cp
	if message.InboundMessageID != "" {
		s.byInboundID[compositeKey(message.MailboxID, message.InboundMessageID)] = message.ID
	}
}

// FindMessageByInboundID 按外部 message id 查找已存邮件。
func (s *Store) FindMessageByInboundID(_ context.Context, mailboxID, inboundMessageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInboundID[compositeKey(mailboxID, inboundMessageID)]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	cp := *s.messages[mailboxID][id]
	return &cp, nil
}

// ========== Inbound Event Repository ==========

// GetInboundEvent 查找入站事件。
func (s *Store) GetInboundEvent(_ context.Context, mailboxID, messageID string) (*domain.InboundEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[compositeKey(mailboxID, messageID)]
	if !ok {
		return nil, storage.ErrInboundEventNotFound
	}
	cp := *event
	return &cp, nil
}

// UpsertInboundEvent 按 (mailbox, message) 插入或更新。
func (s *Store) UpsertInboundEvent(_ context.Context, event *domain.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertEventLocked(event)
	return nil
}

func (s *Store) upsertEventLocked(event *domain.InboundEvent) {
	now := s.now()
	key := compositeKey(event.MailboxID, event.MessageID)
	if existing, ok := s.events[key]; ok {
		if event.EmailID != nil {
			existing.EmailID = event.EmailID
		}
		existing.Status = event.Status
		existing.SourceIP = event.SourceIP
		existing.SignatureValidated = event.SignatureValidated
		existing.ErrorReason = event.ErrorReason
		existing.UpdatedAt = now
		*event = *existing
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	cp := *event
	s.events[key] = &cp
}

// AcceptInboundMessage 原子地保存邮件、累加用量并写入 ACCEPTED 事件。
func (s *Store) AcceptInboundMessage(_ context.Context, message *domain.Message, event *domain.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[message.MailboxID]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	s.createMessageLocked(message)
	mailbox.UsedBytes += message.SizeBytes
	mailbox.UpdatedAt = s.now()

	emailID := message.ID
	event.EmailID = &emailID
	event.Status = domain.InboundEventAccepted
	s.upsertEventLocked(event)
	return nil
}

// InboundEventStats 统计时间窗口内的入站事件，mailboxID 为空时统计用户全部邮箱。
func (s *Store) InboundEventStats(_ context.Context, userID, mailboxID string, since time.Time) (*domain.InboundEventStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.InboundEventStats{MailboxID: mailboxID}
	for _, event := range s.events {
		if event.UserID != userID || event.CreatedAt.Before(since) {
			continue
		}
		if mailboxID != "" && event.MailboxID != mailboxID {
			continue
		}
		stats.Total++
		switch event.Status {
		case domain.InboundEventAccepted:
			stats.Accepted++
		case domain.InboundEventDeduplicated:
			stats.Deduplicated++
		case domain.InboundEventRejected:
			stats.Rejected++
		}
		if stats.LastProcessedAt == nil || event.UpdatedAt.After(*stats.LastProcessedAt) {
			processed := event.UpdatedAt
			stats.LastProcessedAt = &processed
		}
	}
	return stats, nil
}

// ListInboundOwnersSince 返回窗口内有入站事件的用户。
func (s *Store) ListInboundOwnersSince(_ context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make(map[string]struct{})
	for _, event := range s.events {
		if !event.CreatedAt.Before(since) {
			owners[event.UserID] = struct{}{}
		}
	}
	return sortedKeys(owners, limit), nil
}

// PurgeInboundEvents 删除早于 before 的入站事件。
func (s *Store) PurgeInboundEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, event := range s.events {
		if event.CreatedAt.Before(before) {
			delete(s.events, key)
			removed++
		}
	}
	return removed, nil
}

// ========== Sync Run Repository ==========

// CreateSyncRun 追加一条同步台账。
func (s *Store) CreateSyncRun(_ context.Context, run *domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.runs = append(s.runs, *run)
	return nil
}

func runMatches(run *domain.SyncRun, userID, mailboxID string, since time.Time) bool {
	if userID != "" && run.UserID != userID {
		return false
	}
	if mailboxID != "" && run.MailboxID != mailboxID {
		return false
	}
	return since.IsZero() || !run.CompletedAt.Before(since)
}

// ListSyncRuns 按完成时间倒序返回台账。
func (s *Store) ListSyncRuns(_ context.Context, filter domain.SyncRunFilter) ([]domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SyncRun, 0)
	for i := range s.runs {
		if runMatches(&s.runs[i], filter.UserID, filter.MailboxID, filter.Since) {
			result = append(result, s.runs[i])
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CompletedAt.After(result[j].CompletedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// SyncRunStats 聚合窗口内的台账。
func (s *Store) SyncRunStats(_ context.Context, userID, mailboxID string, since time.Time) (*domain.SyncRunStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.SyncRunStats{MailboxID: mailboxID}
	var totalDuration int64
	for i := range s.runs {
		run := &s.runs[i]
		if !runMatches(run, userID, mailboxID, since) {
			continue
		}
		stats.TotalRuns++
		switch run.Status {
		case domain.SyncRunSuccess:
			stats.SuccessRuns++
		case domain.SyncRunPartial:
			stats.PartialRuns++
		case domain.SyncRunFailed:
			stats.FailedRuns++
		case domain.SyncRunSkipped:
			stats.SkippedRuns++
		}
		switch run.TriggerSource {
		case domain.TriggerScheduled:
			stats.ScheduledRuns++
		case domain.TriggerManual:
			stats.ManualRuns++
		}
		stats.Fetched += run.Fetched
		stats.Accepted += run.Accepted
		stats.Deduplicated += run.Deduplicated
		stats.Rejected += run.Rejected
		totalDuration += run.DurationMs
		if stats.LatestCompletedAt == nil || run.CompletedAt.After(*stats.LatestCompletedAt) {
			completed := run.CompletedAt
			stats.LatestCompletedAt = &completed
		}
	}
	if stats.TotalRuns > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(stats.TotalRuns)
	}
	return stats, nil
}

// ListSyncRunOwnersSince 返回窗口内有同步台账的用户。
func (s *Store) ListSyncRunOwnersSince(_ context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make(map[string]struct{})
	for i := range s.runs {
		if !s.runs[i].CompletedAt.Before(since) {
			owners[s.runs[i].UserID] = struct{}{}
		}
	}
	return sortedKeys(owners, limit), nil
}

// PurgeSyncRuns 删除早于 before 的台账。
func (s *Store) PurgeSyncRuns(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.runs[:0]
	var removed int64
	for _, run := range s.runs {
		if run.CompletedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, run)
	}
	s.runs = kept
	return removed, nil
}

// ========== Alert State Repository ==========

// GetAlertState 获取告警状态。
func (s *Store) GetAlertState(_ context.Context, userID string, alertDomain domain.AlertDomain) (*domain.AlertState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.alertStates[compositeKey(userID, string(alertDomain))]
	if !ok {
		return nil, storage.ErrAlertStateNotFound
	}
	cp := *state
	return &cp, nil
}

// SaveAlertState 保存告警状态。
func (s *Store) SaveAlertState(_ context.Context, state *domain.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = s.now()
	cp := *state
	s.alertStates[compositeKey(state.UserID, string(state.Domain))] = &cp
	return nil
}

// DeleteAlertState 清除告警状态。
func (s *Store) DeleteAlertState(_ context.Context, userID string, alertDomain domain.AlertDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.alertStates, compositeKey(userID, string(alertDomain)))
	return nil
}

// ListAlertStateOwners 返回某类别下存在告警状态的用户。
func (s *Store) ListAlertStateOwners(_ context.Context, alertDomain domain.AlertDomain, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make(map[string]struct{})
	for _, state := range s.alertStates {
		if state.Domain == alertDomain {
			owners[state.UserID] = struct{}{}
		}
	}
	return sortedKeys(owners, limit), nil
}

// ========== Preference Repository ==========

// GetNotificationPreference 获取通知偏好，缺省返回默认值。
func (s *Store) GetNotificationPreference(_ context.Context, userID string) (*domain.NotificationPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pref, ok := s.preferences[userID]
	if !ok {
		return domain.DefaultNotificationPreference(userID), nil
	}
	cp := *pref
	return &cp, nil
}

// SaveNotificationPreference 保存通知偏好。
func (s *Store) SaveNotificationPreference(_ context.Context, pref *domain.NotificationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pref.UpdatedAt = s.now()
	cp := *pref
	s.preferences[pref.UserID] = &cp
	return nil
}

// ========== Notification Repository ==========

// CreateNotification 保存通知。
func (s *Store) CreateNotification(_ context.Context, notification *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = s.now()
	}
	s.notifications = append(s.notifications, *notification)
	return nil
}

// ListNotifications 按创建时间倒序返回用户通知。
func (s *Store) ListNotifications(_ context.Context, userID string, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Notification, 0)
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if userID != "" && s.notifications[i].UserID != userID {
			continue
		}
		result = append(result, s.notifications[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ========== 工具方法 ==========

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康。
func (s *Store) Health() error {
	return nil
}

func sortedKeys(set map[string]struct{}, limit int) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
