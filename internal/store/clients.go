package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const clientColumns = `id, company_id, slug, name, status, config, created_at, updated_at`

func scanClient(row pgx.Row) (*model.Client, error) {
	var c model.Client
	var config []byte
	err := row.Scan(&c.ID, &c.CompanyID, &c.Slug, &c.Name, &c.Status, &config, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return nil, fmt.Errorf("failed to decode client config: %w", err)
		}
	}
	return &c, nil
}

// CreateClient inserts a tenant.
func (s *Store) CreateClient(ctx context.Context, c *model.Client) (*model.Client, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	if c.Status == "" {
		c.Status = model.ClientActive
	}
	config, err := json.Marshal(c.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client config: %w", err)
	}
	if config == nil || string(config) == "null" {
		config = []byte(`{}`)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO clients (id, company_id, slug, name, status, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+clientColumns,
		c.ID, c.CompanyID, c.Slug, c.Name, c.Status, config)
	return scanClient(row)
}

// GetClient loads a tenant by id.
func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	return scanClient(row)
}

// GetClientBySlug loads a tenant by its slug alias.
func (s *Store) GetClientBySlug(ctx context.Context, slug string) (*model.Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE slug = $1`, slug)
	return scanClient(row)
}

// ListClients returns all tenants.
func (s *Store) ListClients(ctx context.Context) ([]model.Client, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateClientStatus flips a tenant between active and disabled. Rows are
// never deleted; status transitions preserve audit history.
func (s *Store) UpdateClientStatus(ctx context.Context, id uuid.UUID, status model.ClientStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clients SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update client status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCompany inserts a company grouping row.
func (s *Store) CreateCompany(ctx context.Context, name string) (*model.Company, error) {
	c := model.Company{ID: uuid.Must(uuid.NewV7()), Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO companies (id, name) VALUES ($1, $2)
		RETURNING created_at`, c.ID, c.Name).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create company: %w", err)
	}
	return &c, nil
}

const branchColumns = `id, client_id, slug, channel, instance_id, phone, operator_chat_id, knowledge_tag, active, created_at`

func scanBranch(row pgx.Row) (*model.Branch, error) {
	var b model.Branch
	err := row.Scan(&b.ID, &b.ClientID, &b.Slug, &b.Channel, &b.InstanceID,
		&b.Phone, &b.OperatorChatID, &b.KnowledgeTag, &b.Active, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan branch: %w", err)
	}
	return &b, nil
}

// CreateBranch inserts a branch.
func (s *Store) CreateBranch(ctx context.Context, b *model.Branch) (*model.Branch, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.Must(uuid.NewV7())
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO branches (id, client_id, slug, channel, instance_id, phone, operator_chat_id, knowledge_tag, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+branchColumns,
		b.ID, b.ClientID, b.Slug, b.Channel, b.InstanceID, b.Phone, b.OperatorChatID, b.KnowledgeTag, b.Active)
	return scanBranch(row)
}

// GetBranch loads a branch by id.
func (s *Store) GetBranch(ctx context.Context, id uuid.UUID) (*model.Branch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = $1`, id)
	return scanBranch(row)
}

// ListBranches returns a tenant's branches.
func (s *Store) ListBranches(ctx context.Context, clientID uuid.UUID) ([]model.Branch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE client_id = $1 ORDER BY created_at`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []model.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
