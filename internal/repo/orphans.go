package repo

import (
	"context"
	"database/sql"
	"errors"

	"jia/internal/domain"
)

// RecordOrphanedTasks stores task ids that were started for a save that did
// not persist. It runs outside the failed save's transaction.
func (r Repo) RecordOrphanedTasks(ctx context.Context, boardID string, started map[string]string) error {
	if len(started) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := nowRFC3339()
	for panelID, taskID := range started {
		if _, err := tx.ExecContext(ctx, `INSERT INTO orphaned_tasks(task_id,board_id,panel_id,recorded_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO NOTHING`, taskID, boardID, panelID, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) ListOrphanedTasks(ctx context.Context) ([]domain.OrphanedTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,board_id,panel_id,recorded_at FROM orphaned_tasks ORDER BY recorded_at ASC, task_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.OrphanedTask{}
	for rows.Next() {
		var o domain.OrphanedTask
		if err := rows.Scan(&o.TaskID, &o.BoardID, &o.PanelID, &o.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) GetOrphanedTask(ctx context.Context, taskID string) (domain.OrphanedTask, error) {
	var o domain.OrphanedTask
	err := r.DB.QueryRowContext(ctx, `SELECT task_id,board_id,panel_id,recorded_at FROM orphaned_tasks WHERE task_id=?`, taskID).
		Scan(&o.TaskID, &o.BoardID, &o.PanelID, &o.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrphanedTask{}, ErrNotFound
	}
	return o, err
}

func (r Repo) DeleteOrphanedTask(ctx context.Context, taskID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM orphaned_tasks WHERE task_id=?`, taskID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
