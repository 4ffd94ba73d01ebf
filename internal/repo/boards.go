package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"jia/internal/domain"
)

const untitledBoard = "Untitled Board"

// InsertBoard stores a new board row. CreatedAt and UpdatedAt default to now.
func (r Repo) InsertBoard(ctx context.Context, tx *sql.Tx, b domain.BoardRecord) error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("board id required")
	}
	if b.CreatedAt == "" {
		b.CreatedAt = nowRFC3339()
	}
	if b.UpdatedAt == "" {
		b.UpdatedAt = b.CreatedAt
	}
	_, err := r.execer(ctx, tx)(`INSERT INTO boards(id,title,document,created_at,updated_at) VALUES (?,?,?,?,?)`,
		b.ID, b.Title, b.Document, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert board %s: %w", b.ID, err)
	}
	return nil
}

// UpdateBoard replaces a board's title and document.
func (r Repo) UpdateBoard(ctx context.Context, tx *sql.Tx, b domain.BoardRecord) error {
	if b.UpdatedAt == "" {
		b.UpdatedAt = nowRFC3339()
	}
	res, err := r.execer(ctx, tx)(`UPDATE boards SET title=?, document=?, updated_at=? WHERE id=?`,
		b.Title, b.Document, b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("update board %s: %w", b.ID, err)
	}
	return affectedOrNotFound(res)
}

func (r Repo) GetBoard(ctx context.Context, id string) (domain.BoardRecord, error) {
	return r.GetBoardTx(ctx, nil, id)
}

// GetBoardTx reads a board inside tx, or directly when tx is nil.
func (r Repo) GetBoardTx(ctx context.Context, tx *sql.Tx, id string) (domain.BoardRecord, error) {
	var b domain.BoardRecord
	err := r.queryRow(ctx, tx, `SELECT id,title,document,created_at,updated_at FROM boards WHERE id=?`, id).
		Scan(&b.ID, &b.Title, &b.Document, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BoardRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.BoardRecord{}, err
	}
	return b, nil
}

// ListBoards returns board summaries, most recently updated first. Boards
// without a title are listed as "Untitled Board".
func (r Repo) ListBoards(ctx context.Context) ([]domain.BoardSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,updated_at FROM boards ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.BoardSummary{}
	for rows.Next() {
		var s domain.BoardSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s.Title) == "" {
			s.Title = untitledBoard
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteBoard(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.execer(ctx, tx)(`DELETE FROM boards WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete board %s: %w", id, err)
	}
	return affectedOrNotFound(res)
}
