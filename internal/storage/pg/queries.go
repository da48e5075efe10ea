package pg

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type Conversation struct {
	ID        string
	UserID    string
	Title     sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}

const findOrCreateConversation = `
INSERT INTO conversations (id, user_id)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
RETURNING id, user_id, title, created_at, updated_at
`

type FindOrCreateConversationParams struct {
	ID     string
	UserID string
}

func (q *Queries) FindOrCreateConversation(ctx context.Context, arg FindOrCreateConversationParams) (Conversation, error) {
	row := q.db.QueryRowContext(ctx, findOrCreateConversation, arg.ID, arg.UserID)
	var i Conversation
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Title,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const updateConversationTitle = `
UPDATE conversations SET title = $2, updated_at = NOW()
WHERE id = $1 AND user_id = $3
`

type UpdateConversationTitleParams struct {
	ID     string
	Title  string
	UserID string
}

func (q *Queries) UpdateConversationTitle(ctx context.Context, arg UpdateConversationTitleParams) error {
	_, err := q.db.ExecContext(ctx, updateConversationTitle, arg.ID, arg.Title, arg.UserID)
	return err
}

const createMessage = `
INSERT INTO messages (
    id, conversation_id, user_id, turn_id, role, content, backend_id,
    is_error, stopped, stopped_by, stop_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING
`

type CreateMessageParams struct {
	ID             string
	ConversationID string
	UserID         string
	TurnID         string
	Role           string
	Content        string
	BackendID      sql.NullString
	IsError        bool
	Stopped        bool
	StoppedBy      sql.NullString
	StopReason     sql.NullString
}

func (q *Queries) CreateMessage(ctx context.Context, arg CreateMessageParams) error {
	_, err := q.db.ExecContext(ctx, createMessage,
		arg.ID,
		arg.ConversationID,
		arg.UserID,
		arg.TurnID,
		arg.Role,
		arg.Content,
		arg.BackendID,
		arg.IsError,
		arg.Stopped,
		arg.StoppedBy,
		arg.StopReason,
	)
	return err
}

const createUsageRecord = `
INSERT INTO usage_records (
    user_id, conversation_id, turn_id, mode, backend_id, provider, model,
    prompt_tokens, completion_tokens, total_tokens, plan_tokens
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

type CreateUsageRecordParams struct {
	UserID           string
	ConversationID   sql.NullString
	TurnID           string
	Mode             string
	BackendID        string
	Provider         string
	Model            string
	PromptTokens     int32
	CompletionTokens int32
	TotalTokens      int32
	PlanTokens       int32
}

func (q *Queries) CreateUsageRecord(ctx context.Context, arg CreateUsageRecordParams) error {
	_, err := q.db.ExecContext(ctx, createUsageRecord,
		arg.UserID,
		arg.ConversationID,
		arg.TurnID,
		arg.Mode,
		arg.BackendID,
		arg.Provider,
		arg.Model,
		arg.PromptTokens,
		arg.CompletionTokens,
		arg.TotalTokens,
		arg.PlanTokens,
	)
	return err
}
