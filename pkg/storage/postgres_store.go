package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore PostgreSQL 存储
// 状态迁移使用 UPDATE ... WHERE status = ANY($n) 做条件写，和句子/录音的增删放在同一事务
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建 PostgreSQL 存储并建表
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	// 测试连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 设置连接池
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

const lessonColumns = `id, title, foreign_text_raw, translation_text_raw, foreign_lang, translation_lang,
	whisper_model, status, audio_path, failure_reason, failure_detail, translation_mismatch,
	processing_token, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLesson(row rowScanner) (*models.Lesson, error) {
	var l models.Lesson
	err := row.Scan(
		&l.ID,
		&l.Title,
		&l.ForeignTextRaw,
		&l.TranslationTextRaw,
		&l.ForeignLang,
		&l.TranslationLang,
		&l.WhisperModel,
		&l.Status,
		&l.AudioPath,
		&l.FailureReason,
		&l.FailureDetail,
		&l.TranslationMismatch,
		&l.ProcessingToken,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) CreateLesson(ctx context.Context, lesson *models.Lesson, tags []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lessons (`+lessonColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			lesson.ID,
			lesson.Title,
			lesson.ForeignTextRaw,
			lesson.TranslationTextRaw,
			lesson.ForeignLang,
			lesson.TranslationLang,
			lesson.WhisperModel,
			lesson.Status,
			lesson.AudioPath,
			lesson.FailureReason,
			lesson.FailureDetail,
			lesson.TranslationMismatch,
			lesson.ProcessingToken,
			lesson.CreatedAt,
			lesson.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("保存课程失败: %w", err)
		}
		return setTagsTx(ctx, tx, lesson.ID, tags)
	})
}

func (s *PostgresStore) GetLesson(ctx context.Context, id string) (*models.Lesson, error) {
	return getLesson(ctx, s.db, id)
}

type rowQueryer interface {
	queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLesson(ctx context.Context, q rowQueryer, id string) (*models.Lesson, error) {
	l, err := scanLesson(q.QueryRowContext(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("课程", id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return l, nil
}

// GetLessonDetail 在只读的 REPEATABLE READ 事务里读取课程、标签与句子，三者来自同一快照
func (s *PostgresStore) GetLessonDetail(ctx context.Context, id string) (*models.LessonDetail, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	l, err := getLesson(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	tags, err := tagsForLesson(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	segments, err := listSegments(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	return &models.LessonDetail{Lesson: *l, Tags: tags, Segments: segments}, nil
}

func (s *PostgresStore) ListLessons(ctx context.Context) ([]models.Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lessonColumns+` FROM lessons ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	lessons := make([]models.Lesson, 0)
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("读取课程失败: %w", err)
		}
		lessons = append(lessons, *l)
	}
	return lessons, rows.Err()
}

func (s *PostgresStore) DeleteLesson(ctx context.Context, id string) ([]models.Recording, error) {
	var removed []models.Recording
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		recs, err := queryRecordings(ctx, tx, `SELECT `+recordingColumns+` FROM recordings WHERE lesson_id = $1`, id)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM lessons WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("删除课程失败: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("课程", id)
		}
		if err := pruneTagsTx(ctx, tx); err != nil {
			return err
		}
		removed = recs
		return nil
	})
	return removed, err
}

// transitionError 条件写未命中时，区分不存在 / 处理中 / 其他非法状态
func transitionError(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string, to models.LessonStatus) error {
	var status models.LessonStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM lessons WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("课程", id)
	}
	if err != nil {
		return fmt.Errorf("查询课程状态失败: %w", err)
	}
	if status == models.LessonProcessing && to == models.LessonProcessing {
		return apperr.Conflict(apperr.ErrAlreadyProcessing, id)
	}
	return apperr.InvalidTransition(id, status, to)
}

func (s *PostgresStore) BeginProcessing(ctx context.Context, id, token string, now time.Time) ([]models.Recording, error) {
	var removed []models.Recording
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE lessons
			SET status = $2, processing_token = $3, failure_reason = '', failure_detail = '',
			    translation_mismatch = FALSE, updated_at = $4
			WHERE id = $1 AND status = ANY($5)`,
			id, models.LessonProcessing, token, now,
			pq.Array([]string{string(models.LessonUploaded), string(models.LessonReady), string(models.LessonFailed)}),
		)
		if err != nil {
			return fmt.Errorf("更新课程状态失败: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionError(ctx, tx, id, models.LessonProcessing)
		}

		recs, err := queryRecordings(ctx, tx, `DELETE FROM recordings WHERE lesson_id = $1 RETURNING `+recordingColumns, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sentence_segments WHERE lesson_id = $1`, id); err != nil {
			return fmt.Errorf("删除旧句子失败: %w", err)
		}
		removed = recs
		return nil
	})
	return removed, err
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (s *PostgresStore) CompleteProcessing(ctx context.Context, id, token string, segments []models.SentenceSegment, mismatch bool, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE lessons
			SET status = $3, processing_token = '', translation_mismatch = $4, updated_at = $5
			WHERE id = $1 AND status = $6 AND processing_token = $2`,
			id, token, models.LessonReady, mismatch, now, models.LessonProcessing,
		)
		if err != nil {
			return fmt.Errorf("更新课程状态失败: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionError(ctx, tx, id, models.LessonReady)
		}

		if len(segments) == 0 {
			return nil
		}

		// COPY 批量写入句子
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("sentence_segments",
			"id", "lesson_id", "ord", "foreign_text", "translation_text",
			"start_ms", "end_ms", "confidence", "speaker", "clip_path"))
		if err != nil {
			return fmt.Errorf("准备批量写入失败: %w", err)
		}
		for _, seg := range segments {
			if _, err := stmt.ExecContext(ctx,
				seg.ID, id, seg.Order, seg.ForeignText, seg.TranslationText,
				nullInt64(seg.StartMs), nullInt64(seg.EndMs), seg.Confidence, seg.Speaker, seg.ClipPath,
			); err != nil {
				stmt.Close()
				return fmt.Errorf("写入句子失败: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("批量写入句子失败: %w", err)
		}
		return stmt.Close()
	})
}

func (s *PostgresStore) FailProcessing(ctx context.Context, id, token, reason, detail string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lessons
		SET status = $3, processing_token = '', failure_reason = $4, failure_detail = $5, updated_at = $6
		WHERE id = $1 AND status = $7 AND processing_token = $2`,
		id, token, models.LessonFailed, reason, detail, now, models.LessonProcessing,
	)
	if err != nil {
		return fmt.Errorf("更新课程状态失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionError(ctx, s.db, id, models.LessonFailed)
	}
	return nil
}

func (s *PostgresStore) SetAudioPath(ctx context.Context, id, path string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lessons SET audio_path = $2, updated_at = $3
		WHERE id = $1 AND status <> $4`,
		id, path, now, models.LessonProcessing,
	)
	if err != nil {
		return fmt.Errorf("更新课程音频失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transitionError(ctx, s.db, id, models.LessonProcessing)
	}
	return nil
}

const segmentColumns = `id, lesson_id, ord, foreign_text, translation_text, start_ms, end_ms, confidence, speaker, clip_path`

func scanSegment(row rowScanner) (*models.SentenceSegment, error) {
	var seg models.SentenceSegment
	var start, end sql.NullInt64
	if err := row.Scan(
		&seg.ID,
		&seg.LessonID,
		&seg.Order,
		&seg.ForeignText,
		&seg.TranslationText,
		&start,
		&end,
		&seg.Confidence,
		&seg.Speaker,
		&seg.ClipPath,
	); err != nil {
		return nil, err
	}
	seg.StartMs = int64Ptr(start)
	seg.EndMs = int64Ptr(end)
	return &seg, nil
}

func (s *PostgresStore) ListSegments(ctx context.Context, lessonID string) ([]models.SentenceSegment, error) {
	if _, err := s.GetLesson(ctx, lessonID); err != nil {
		return nil, err
	}
	return listSegments(ctx, s.db, lessonID)
}

func listSegments(ctx context.Context, q queryer, lessonID string) ([]models.SentenceSegment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+segmentColumns+` FROM sentence_segments WHERE lesson_id = $1 ORDER BY ord`, lessonID)
	if err != nil {
		return nil, fmt.Errorf("查询句子失败: %w", err)
	}
	defer rows.Close()

	segments := make([]models.SentenceSegment, 0)
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("读取句子失败: %w", err)
		}
		segments = append(segments, *seg)
	}
	return segments, rows.Err()
}

func (s *PostgresStore) GetSegment(ctx context.Context, lessonID, segmentID string) (*models.SentenceSegment, error) {
	seg, err := scanSegment(s.db.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM sentence_segments WHERE id = $1 AND lesson_id = $2`, segmentID, lessonID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("句子", segmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询句子失败: %w", err)
	}
	return seg, nil
}

const recordingColumns = `id, segment_id, lesson_id, file_path, duration_ms, created_at`

func scanRecording(row rowScanner) (*models.Recording, error) {
	var rec models.Recording
	var duration sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.SegmentID, &rec.LessonID, &rec.FilePath, &duration, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.DurationMs = int64Ptr(duration)
	return &rec, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRecordings(ctx context.Context, q queryer, query string, args ...any) ([]models.Recording, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询录音失败: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("读取录音失败: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) PutRecording(ctx context.Context, rec *models.Recording) (*models.Recording, error) {
	var prev *models.Recording
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// 锁住句子行，防止与重新处理并发时写入已删除的句子
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM sentence_segments WHERE id = $1 AND lesson_id = $2 FOR SHARE`,
			rec.SegmentID, rec.LessonID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("句子", rec.SegmentID)
		}
		if err != nil {
			return fmt.Errorf("查询句子失败: %w", err)
		}

		old, err := scanRecording(tx.QueryRowContext(ctx,
			`SELECT `+recordingColumns+` FROM recordings WHERE segment_id = $1 FOR UPDATE`, rec.SegmentID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("查询录音失败: %w", err)
		default:
			prev = old
		}

		// UPSERT：每个句子只保留最新一条
		_, err = tx.ExecContext(ctx, `
			INSERT INTO recordings (`+recordingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (segment_id)
			DO UPDATE SET
			id = EXCLUDED.id,
			file_path = EXCLUDED.file_path,
			duration_ms = EXCLUDED.duration_ms,
			created_at = EXCLUDED.created_at`,
			rec.ID, rec.SegmentID, rec.LessonID, rec.FilePath, nullInt64(rec.DurationMs), rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("保存录音失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *PostgresStore) GetRecording(ctx context.Context, lessonID, segmentID string) (*models.Recording, error) {
	rec, err := scanRecording(s.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE segment_id = $1 AND lesson_id = $2`, segmentID, lessonID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("录音", segmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询录音失败: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) DeleteRecording(ctx context.Context, lessonID, segmentID string) (*models.Recording, error) {
	recs, err := queryRecordings(ctx, s.db,
		`DELETE FROM recordings WHERE segment_id = $1 AND lesson_id = $2 RETURNING `+recordingColumns, segmentID, lessonID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *PostgresStore) ListRecordings(ctx context.Context, lessonID string) ([]models.Recording, error) {
	return queryRecordings(ctx, s.db, `
		SELECT r.id, r.segment_id, r.lesson_id, r.file_path, r.duration_ms, r.created_at
		FROM recordings r JOIN sentence_segments s ON s.id = r.segment_id
		WHERE r.lesson_id = $1
		ORDER BY s.ord`, lessonID)
}

func (s *PostgresStore) SetLessonTags(ctx context.Context, lessonID string, names []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM lessons WHERE id = $1 FOR UPDATE`, lessonID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("课程", lessonID)
		}
		if err != nil {
			return fmt.Errorf("查询课程失败: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM lesson_tags WHERE lesson_id = $1`, lessonID); err != nil {
			return fmt.Errorf("清除课程标签失败: %w", err)
		}
		if err := setTagsTx(ctx, tx, lessonID, names); err != nil {
			return err
		}
		return pruneTagsTx(ctx, tx)
	})
}

func setTagsTx(ctx context.Context, tx *sql.Tx, lessonID string, names []string) error {
	for _, name := range names {
		var tagID string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tags (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, uuid.NewString(), name).Scan(&tagID)
		if err != nil {
			return fmt.Errorf("保存标签失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lesson_tags (lesson_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			lessonID, tagID); err != nil {
			return fmt.Errorf("关联标签失败: %w", err)
		}
	}
	return nil
}

// pruneTagsTx 删除没有课程引用的标签
func pruneTagsTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM tags t
		WHERE NOT EXISTS (SELECT 1 FROM lesson_tags lt WHERE lt.tag_id = t.id)`)
	if err != nil {
		return fmt.Errorf("清理标签失败: %w", err)
	}
	return nil
}

func (s *PostgresStore) TagsForLesson(ctx context.Context, lessonID string) ([]string, error) {
	if _, err := s.GetLesson(ctx, lessonID); err != nil {
		return nil, err
	}
	return tagsForLesson(ctx, s.db, lessonID)
}

func tagsForLesson(ctx context.Context, q rowQueryer, lessonID string) ([]string, error) {
	var names []string
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(t.name ORDER BY t.name), '{}')
		FROM lesson_tags lt JOIN tags t ON t.id = lt.tag_id
		WHERE lt.lesson_id = $1`, lessonID).Scan(pq.Array(&names))
	if err != nil {
		return nil, fmt.Errorf("查询课程标签失败: %w", err)
	}
	return names, nil
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]models.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("查询标签失败: %w", err)
	}
	defer rows.Close()

	tags := make([]models.Tag, 0)
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("读取标签失败: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) LessonTags(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lt.lesson_id, t.name
		FROM lesson_tags lt JOIN tags t ON t.id = lt.tag_id
		ORDER BY lt.lesson_id, t.name`)
	if err != nil {
		return nil, fmt.Errorf("查询标签失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var lessonID, name string
		if err := rows.Scan(&lessonID, &name); err != nil {
			return nil, fmt.Errorf("读取标签失败: %w", err)
		}
		out[lessonID] = append(out[lessonID], name)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
