// Package store is the transactional persistence layer for
// conversations, branches, and messages: the durable state the
// routing pipeline reads and mutates on every request.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/driftos/driftrouter/internal/routeerr"
)

// Store wraps the Postgres connection pool backing the branch tree.
type Store struct {
	DB *sql.DB
}

// New opens a connection pool against dsn and verifies connectivity.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

const uniqueViolation = "23505"

// Conversation is the root container a branch tree hangs off.
type Conversation struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DriftType records whether a branch was born of a same-cluster or
// new-cluster drift.
type DriftType string

const (
	DriftTypeSemantic   DriftType = "semantic"
	DriftTypeFunctional DriftType = "functional"
)

// Branch is a node in a conversation's topic tree.
type Branch struct {
	ID             string
	ConversationID string
	ParentID       *string
	Summary        string
	Centroid       []float32
	DriftType      DriftType
	Depth          int
	MessageCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a single turn recorded under a branch.
type Message struct {
	ID             string
	ConversationID string
	BranchID       string
	Role           string
	Content        string
	Embedding      []float32
	CreatedAt      time.Time
}

// UpsertConversation idempotently ensures a conversation row exists.
// Concurrent duplicate creates (unique-violation on the primary key)
// are treated as success; any other error propagates.
func (s *Store) UpsertConversation(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO conversations (id, created_at, updated_at)
VALUES ($1, NOW(), NOW())
ON CONFLICT (id) DO NOTHING
`, id)
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if asPQError(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil
	}
	return routeerr.Internal(err, "upsert conversation %s", id)
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if e, ok := err.(*pq.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ListBranches returns every branch of a conversation ordered by
// updatedAt descending, ties broken by id descending.
func (s *Store) ListBranches(ctx context.Context, conversationID string) ([]Branch, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT b.id, b.conversation_id, b.parent_id, b.summary, b.centroid, b.drift_type, b.depth,
       b.created_at, b.updated_at,
       (SELECT COUNT(*) FROM messages m WHERE m.branch_id = b.id) AS message_count
FROM branches b
WHERE b.conversation_id = $1
ORDER BY b.updated_at DESC, b.id DESC
`, conversationID)
	if err != nil {
		return nil, routeerr.Internal(err, "list branches for %s", conversationID)
	}
	defer rows.Close()

	var out []Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, routeerr.Internal(err, "iterate branches")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (Branch, error) {
	var b Branch
	var parentID sql.NullString
	var centroidLit sql.NullString
	if err := row.Scan(&b.ID, &b.ConversationID, &parentID, &b.Summary, &centroidLit, &b.DriftType, &b.Depth,
		&b.CreatedAt, &b.UpdatedAt, &b.MessageCount); err != nil {
		if err == sql.ErrNoRows {
			return Branch{}, err
		}
		return Branch{}, routeerr.Internal(err, "scan branch row")
	}
	if parentID.Valid {
		id := parentID.String
		b.ParentID = &id
	}
	if centroidLit.Valid && centroidLit.String != "" {
		vec, err := decodeVectorLiteral(centroidLit.String)
		if err != nil {
			return Branch{}, routeerr.Internal(err, "decode centroid for branch %s", b.ID)
		}
		b.Centroid = vec
	}
	return b, nil
}

// LoadLastMessageContent returns the content of the chronologically
// latest message in a branch, or ("", false) if the branch has none.
func (s *Store) LoadLastMessageContent(ctx context.Context, branchID string) (string, bool, error) {
	var content string
	err := s.DB.QueryRowContext(ctx, `
SELECT content FROM messages
WHERE branch_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
`, branchID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, routeerr.Internal(err, "load last message for branch %s", branchID)
	}
	return content, true, nil
}

// LoadBranch fetches a single branch by id, failing with NotFound when
// it doesn't exist.
func (s *Store) LoadBranch(ctx context.Context, branchID string) (Branch, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT b.id, b.conversation_id, b.parent_id, b.summary, b.centroid, b.drift_type, b.depth,
       b.created_at, b.updated_at,
       (SELECT COUNT(*) FROM messages m WHERE m.branch_id = b.id) AS message_count
FROM branches b
WHERE b.id = $1
`, branchID)
	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return Branch{}, routeerr.NotFound("branch %s not found", branchID)
	}
	if err != nil {
		return Branch{}, err
	}
	return b, nil
}

// CreateBranch inserts a new branch row and returns the stored record.
// depth is computed as parent.depth+1, or 0 when parentID is nil.
func (s *Store) CreateBranch(ctx context.Context, conversationID string, parentID *string, summary string, centroid []float32, driftType DriftType) (Branch, error) {
	id := uuid.NewString()
	depth := 0
	if parentID != nil {
		var parentDepth int
		if err := s.DB.QueryRowContext(ctx, `SELECT depth FROM branches WHERE id = $1`, *parentID).Scan(&parentDepth); err != nil {
			return Branch{}, routeerr.Internal(err, "load parent depth for %s", *parentID)
		}
		depth = parentDepth + 1
	}

	var centroidLit any
	if len(centroid) > 0 {
		lit, err := encodeVectorLiteral(centroid)
		if err != nil {
			return Branch{}, routeerr.Internal(err, "encode centroid")
		}
		centroidLit = lit
	}

	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO branches (id, conversation_id, parent_id, summary, centroid, drift_type, depth, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8, $8)
`, id, conversationID, parentID, summary, centroidLit, driftType, depth, now)
	if err != nil {
		return Branch{}, routeerr.Internal(err, "create branch for conversation %s", conversationID)
	}

	return Branch{
		ID:             id,
		ConversationID: conversationID,
		ParentID:       parentID,
		Summary:        summary,
		Centroid:       centroid,
		DriftType:      driftType,
		Depth:          depth,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// InsertMessage appends a message to a branch.
func (s *Store) InsertMessage(ctx context.Context, conversationID, branchID, role, content string, embedding []float32) (Message, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	var embeddingLit any
	if len(embedding) > 0 {
		lit, err := encodeVectorLiteral(embedding)
		if err != nil {
			return Message{}, routeerr.Internal(err, "encode embedding")
		}
		embeddingLit = lit
	}

	_, err := s.DB.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, branch_id, role, content, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6::vector, $7)
`, id, conversationID, branchID, role, content, embeddingLit, now)
	if err != nil {
		return Message{}, routeerr.Internal(err, "insert message into branch %s", branchID)
	}

	return Message{
		ID:             id,
		ConversationID: conversationID,
		BranchID:       branchID,
		Role:           role,
		Content:        content,
		Embedding:      embedding,
		CreatedAt:      now,
	}, nil
}

// UpdateCentroidTx reads the branch's current centroid and message
// count and writes the folded centroid, all under a row-level lock in
// a single transaction, so the running-average formula never sees a
// message count that has moved since the centroid was read.
//
// fold is called with (oldCentroid, priorMessageCount) and must return
// the new centroid; similarity.UpdateCentroid is the expected caller.
func (s *Store) UpdateCentroidTx(ctx context.Context, branchID string, fold func(oldCentroid []float32, priorMessageCount int) []float32) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return routeerr.Internal(err, "begin centroid update tx")
	}
	defer tx.Rollback()

	var centroidLit sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT centroid FROM branches WHERE id = $1 FOR UPDATE`, branchID).Scan(&centroidLit)
	if err == sql.ErrNoRows {
		return routeerr.NotFound("branch %s not found", branchID)
	}
	if err != nil {
		return routeerr.Internal(err, "lock branch %s for centroid update", branchID)
	}

	var priorCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE branch_id = $1`, branchID).Scan(&priorCount); err != nil {
		return routeerr.Internal(err, "count messages for branch %s", branchID)
	}

	var oldCentroid []float32
	if centroidLit.Valid && centroidLit.String != "" {
		oldCentroid, err = decodeVectorLiteral(centroidLit.String)
		if err != nil {
			return routeerr.Internal(err, "decode centroid for branch %s", branchID)
		}
	}

	newCentroid := fold(oldCentroid, priorCount)
	lit, err := encodeVectorLiteral(newCentroid)
	if err != nil {
		return routeerr.Internal(err, "encode new centroid")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE branches SET centroid = $1::vector, updated_at = NOW() WHERE id = $2`, lit, branchID); err != nil {
		return routeerr.Internal(err, "write centroid for branch %s", branchID)
	}

	if err := tx.Commit(); err != nil {
		return routeerr.Internal(err, "commit centroid update for branch %s", branchID)
	}
	return nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", v, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
