package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"meetai/internal/database"
	"meetai/internal/models"
)

// AgentService is the persistence accessor for agent profiles
type AgentService struct {
	db *database.DB
}

// NewAgentService creates a new agent service
func NewAgentService(db *database.DB) *AgentService {
	return &AgentService{db: db}
}

const agentColumns = "id, user_id, name, instructions, created_at, updated_at"

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Instructions, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID fetches one agent regardless of owner (webhook path)
func (s *AgentService) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent: %w", err)
	}
	return a, nil
}

// GetOwned fetches one agent scoped to its owner (API path)
func (s *AgentService) GetOwned(ctx context.Context, id, userID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE id = ? AND user_id = ?", id, userID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent: %w", err)
	}
	return a, nil
}

// Create inserts a new agent profile
func (s *AgentService) Create(ctx context.Context, a *models.Agent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO agents (id, user_id, name, instructions) VALUES (?, ?, ?, ?)",
		a.ID, a.UserID, a.Name, a.Instructions)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// List returns all of a user's agents
func (s *AgentService) List(ctx context.Context, userID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Update edits an agent's name and instructions, scoped to its owner
func (s *AgentService) Update(ctx context.Context, id, userID, name, instructions string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET name = ?, instructions = ? WHERE id = ? AND user_id = ?",
		name, instructions, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Delete removes an agent, scoped to its owner
func (s *AgentService) Delete(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agents WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}
