package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/model"
)

func scanSettings(row pgx.Row) (*model.ClientSettings, error) {
	var cs model.ClientSettings
	var r1, r2, ac, mute, grace int
	err := row.Scan(&cs.ClientID, &cs.OperatorChatID, &cs.OperatorBotToken, &cs.OwnerEscalationID,
		&r1, &r2, &ac, &mute, &grace, &cs.EscalationAck, &cs.LearnFromResolutions, &cs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan client settings: %w", err)
	}
	cs.Reminder1Delay = time.Duration(r1) * time.Second
	cs.Reminder2Delay = time.Duration(r2) * time.Second
	cs.AutoCloseDelay = time.Duration(ac) * time.Second
	cs.AdminMuteDuration = time.Duration(mute) * time.Second
	cs.ResolveGraceWindow = time.Duration(grace) * time.Second
	return &cs, nil
}

const settingsColumns = `client_id, operator_chat_id, operator_bot_token, owner_escalation_id,
	reminder_1_delay_sec, reminder_2_delay_sec, auto_close_delay_sec,
	admin_mute_sec, resolve_grace_sec, escalation_ack, learn_from_resolutions, updated_at`

// GetSettings loads a tenant's settings, falling back to defaults when no
// row exists.
func (s *Store) GetSettings(ctx context.Context, clientID uuid.UUID) (*model.ClientSettings, error) {
	cs, err := scanSettings(s.pool.QueryRow(ctx,
		`SELECT `+settingsColumns+` FROM client_settings WHERE client_id = $1`, clientID))
	if errors.Is(err, ErrNotFound) {
		return model.DefaultSettings(clientID), nil
	}
	if err != nil {
		return nil, err
	}
	if cs.EscalationAck == "" {
		cs.EscalationAck = model.DefaultSettings(clientID).EscalationAck
	}
	return cs, nil
}

// UpsertSettings writes a tenant's settings row.
func (s *Store) UpsertSettings(ctx context.Context, cs *model.ClientSettings) (*model.ClientSettings, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO client_settings (client_id, operator_chat_id, operator_bot_token, owner_escalation_id,
			reminder_1_delay_sec, reminder_2_delay_sec, auto_close_delay_sec,
			admin_mute_sec, resolve_grace_sec, escalation_ack, learn_from_resolutions, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (client_id) DO UPDATE SET
			operator_chat_id       = EXCLUDED.operator_chat_id,
			operator_bot_token     = EXCLUDED.operator_bot_token,
			owner_escalation_id    = EXCLUDED.owner_escalation_id,
			reminder_1_delay_sec   = EXCLUDED.reminder_1_delay_sec,
			reminder_2_delay_sec   = EXCLUDED.reminder_2_delay_sec,
			auto_close_delay_sec   = EXCLUDED.auto_close_delay_sec,
			admin_mute_sec         = EXCLUDED.admin_mute_sec,
			resolve_grace_sec      = EXCLUDED.resolve_grace_sec,
			escalation_ack         = EXCLUDED.escalation_ack,
			learn_from_resolutions = EXCLUDED.learn_from_resolutions,
			updated_at             = now()
		RETURNING `+settingsColumns,
		cs.ClientID, cs.OperatorChatID, cs.OperatorBotToken, cs.OwnerEscalationID,
		int(cs.Reminder1Delay.Seconds()), int(cs.Reminder2Delay.Seconds()), int(cs.AutoCloseDelay.Seconds()),
		int(cs.AdminMuteDuration.Seconds()), int(cs.ResolveGraceWindow.Seconds()),
		cs.EscalationAck, cs.LearnFromResolutions)
	return scanSettings(row)
}

// SettingsProvider serves client settings with a short TTL cache. No
// singletons: each process constructs its own provider.
type SettingsProvider struct {
	store *Store
	ttl   time.Duration

	mu    sync.Mutex
	cache map[uuid.UUID]cachedSettings
}

type cachedSettings struct {
	settings *model.ClientSettings
	loadedAt time.Time
}

// NewSettingsProvider creates a cached settings reader.
func NewSettingsProvider(store *Store, ttl time.Duration) *SettingsProvider {
	return &SettingsProvider{
		store: store,
		ttl:   ttl,
		cache: make(map[uuid.UUID]cachedSettings),
	}
}

// Get returns the tenant's settings, reading through the cache.
func (p *SettingsProvider) Get(ctx context.Context, clientID uuid.UUID) (*model.ClientSettings, error) {
	p.mu.Lock()
	if c, ok := p.cache[clientID]; ok && time.Since(c.loadedAt) < p.ttl {
		p.mu.Unlock()
		return c.settings, nil
	}
	p.mu.Unlock()

	cs, err := p.store.GetSettings(ctx, clientID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[clientID] = cachedSettings{settings: cs, loadedAt: time.Now()}
	p.mu.Unlock()
	return cs, nil
}

// Invalidate drops a tenant's cached settings, used after admin updates.
func (p *SettingsProvider) Invalidate(clientID uuid.UUID) {
	p.mu.Lock()
	delete(p.cache, clientID)
	p.mu.Unlock()
}
