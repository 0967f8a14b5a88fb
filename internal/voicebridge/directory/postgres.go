package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	queryActiveAgents = `
		SELECT audio_port, agent_id, user_start, campaign_id, server_ip, conf_exten
		FROM remote_agents
		WHERE status = 'ACTIVE' AND agent_id <> '' AND audio_port > 0
		ORDER BY audio_port`

	queryAgentByPort = `
		SELECT audio_port, agent_id, user_start, campaign_id, server_ip, conf_exten
		FROM remote_agents
		WHERE status = 'ACTIVE' AND audio_port = $1
		LIMIT 1`

	queryUserForToken = `
		SELECT user_id
		FROM control_sessions
		WHERE token = $1 AND expires_at > now()`
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads agents and control-plane sessions from a database
type Postgres struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to databaseURL and verifies it with a ping
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	slog.Info("[Directory] Connected to database")
	return &Postgres{db: pool, pool: pool}, nil
}

// ActiveAgents implements Directory
func (p *Postgres) ActiveAgents(ctx context.Context) ([]RemoteAgent, error) {
	rows, err := p.db.Query(ctx, queryActiveAgents)
	if err != nil {
		return nil, fmt.Errorf("query active agents: %w", err)
	}
	agents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RemoteAgent, error) {
		return scanAgent(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan active agents: %w", err)
	}
	return agents, nil
}

// AgentByPort implements Directory
func (p *Postgres) AgentByPort(ctx context.Context, port int) (RemoteAgent, error) {
	a, err := scanAgent(p.db.QueryRow(ctx, queryAgentByPort, port))
	if errors.Is(err, pgx.ErrNoRows) {
		return RemoteAgent{}, fmt.Errorf("agent for port %d: %w", port, ErrNotFound)
	}
	if err != nil {
		return RemoteAgent{}, fmt.Errorf("query agent for port %d: %w", port, err)
	}
	return a, nil
}

// UserForToken implements Directory
func (p *Postgres) UserForToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := p.db.QueryRow(ctx, queryUserForToken, token).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("session token: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query session token: %w", err)
	}
	return userID, nil
}

// Close releases the pool
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (RemoteAgent, error) {
	var a RemoteAgent
	var user, campaign, serverIP, exten *string
	if err := row.Scan(&a.Port, &a.AgentID, &user, &campaign, &serverIP, &exten); err != nil {
		return RemoteAgent{}, err
	}
	a.UserStart = deref(user)
	a.CampaignID = deref(campaign)
	a.ServerIP = deref(serverIP)
	a.ConfExten = deref(exten)
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
