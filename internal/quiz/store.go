package quiz

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS quizzes (
	quiz_id     UUID PRIMARY KEY,
	owner       TEXT NOT NULL,
	title       TEXT NOT NULL,
	create_time TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quiz_questions (
	quiz_id       UUID NOT NULL REFERENCES quizzes (quiz_id) ON DELETE CASCADE,
	position      INT NOT NULL,
	question_id   TEXT NOT NULL,
	content       TEXT NOT NULL,
	options       TEXT[] NOT NULL,
	correct       INT[] NOT NULL,
	time_limit_ms BIGINT NOT NULL DEFAULT 0,
	max_points    INT NOT NULL DEFAULT 0,
	PRIMARY KEY (quiz_id, position),
	UNIQUE (quiz_id, question_id)
);`

// Store keeps quizzes in Postgres.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate quiz schema: %w", err)
	}
	return nil
}

type CreateQuizRequest struct {
	Owner     string
	Title     string
	Questions []domain.Question
}

// CreateQuiz stores a quiz and returns its id.
func (s *Store) CreateQuiz(ctx context.Context, req CreateQuizRequest) (_ string, err error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate quiz ID: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insQuizStmt     = `INSERT INTO quizzes (quiz_id, owner, title) VALUES ($1, $2, $3);`
		insQuestionStmt = `
INSERT INTO quiz_questions (quiz_id, position, question_id, content, options, correct, time_limit_ms, max_points)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	)

	if _, err = tx.Exec(ctx, insQuizStmt, id, req.Owner, req.Title); err != nil {
		return "", fmt.Errorf("insert quiz: %w", err)
	}

	batch := &pgx.Batch{}
	for i, q := range req.Questions {
		batch.Queue(insQuestionStmt, id, i, q.ID, q.Prompt, q.Options, q.Correct, q.TimeLimitMs, q.MaxPoints)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		const codeUniqueViolation = "23505"
		if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return "", errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("duplicate question id"),
				errors.WithCause(err))
		}
		return "", fmt.Errorf("insert questions: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	return id.String(), nil
}

// ListQuestions returns the questions of quizID in play order.
func (s *Store) ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	id, err := uuid.Parse(quizID)
	if err != nil {
		return nil, errors.InvalidArgument("invalid quiz id %q", quizID)
	}

	const stmt = `
SELECT question_id, content, options, correct, time_limit_ms, max_points
FROM quiz_questions
WHERE quiz_id = $1
ORDER BY position;`

	rows, err := s.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.ID, &q.Prompt, &q.Options, &q.Correct, &q.TimeLimitMs, &q.MaxPoints)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	if len(qs) == 0 {
		return nil, ErrQuizNotFound(quizID)
	}

	return qs, nil
}
