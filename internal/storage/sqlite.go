package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"modwatch/internal/model"
	logx "modwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection; reads queue behind it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	// Columns added after the first schema; CREATE TABLE IF NOT EXISTS
	// leaves older tables as they were.
	for _, c := range []struct{ table, column string }{
		{"guild_watch", "filters"},
		{"guild_watch", "invalid_notified"},
		{"user_watch", "filters"},
		{"user_watch", "invalid_notified"},
	} {
		if err := s.addColumn(ctx, c.table, c.column); err != nil {
			return fmt.Errorf("add %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

func (s *sqliteStore) addColumn(ctx context.Context, table, column string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` TEXT`)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnContention(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

const stateColumns = `project_id, project, last_notified_version_id, last_published_at, last_checked_at, updated_at`

func scanState(sc interface{ Scan(...any) error }) (model.VersionState, error) {
	var (
		st                model.VersionState
		id, project       string
		pub, checked, upd int64
	)
	if err := sc.Scan(&id, &project, &st.LastNotifiedVersionID, &pub, &checked, &upd); err != nil {
		return st, err
	}
	st.ProjectID = model.ProjectID(id)
	if project != "" {
		if err := json.Unmarshal([]byte(project), &st.Project); err != nil {
			return st, fmt.Errorf("decode project %s: %w", id, err)
		}
	}
	st.LastPublishedAt = timeOf(pub)
	st.LastCheckedAt = timeOf(checked)
	st.UpdatedAt = timeOf(upd)
	return st, nil
}

func (s *sqliteStore) GetState(ctx context.Context, id model.ProjectID) (model.VersionState, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM version_state WHERE project_id = ?`, string(id))
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VersionState{}, false, nil
	}
	if err != nil {
		return model.VersionState{}, false, err
	}
	return st, true, nil
}

func (s *sqliteStore) ListStates(ctx context.Context) ([]model.VersionState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM version_state ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.VersionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SeedState(ctx context.Context, st model.VersionState) (bool, error) {
	project, err := json.Marshal(st.Project)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx,
		`INSERT INTO version_state(`+stateColumns+`) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(project_id) DO NOTHING`,
		string(st.ProjectID), string(project), st.LastNotifiedVersionID,
		msOf(st.LastPublishedAt), msOf(st.LastCheckedAt), msOf(st.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *sqliteStore) AdvanceState(ctx context.Context, id model.ProjectID, from string, to model.VersionRecord, at time.Time) (bool, error) {
	pub := msOf(to.PublishedAt)
	res, err := s.exec(ctx,
		`UPDATE version_state
		    SET last_notified_version_id = ?, last_published_at = ?, updated_at = ?
		  WHERE project_id = ? AND last_notified_version_id = ? AND last_published_at <= ?`,
		to.ID, pub, msOf(at), string(id), from, pub,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *sqliteStore) TouchChecked(ctx context.Context, id model.ProjectID, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE version_state SET last_checked_at = ? WHERE project_id = ?`, msOf(at), string(id))
	return err
}

func (s *sqliteStore) DeleteState(ctx context.Context, id model.ProjectID) error {
	_, err := s.exec(ctx, `DELETE FROM version_state WHERE project_id = ?`, string(id))
	return err
}

const guildColumns = `guild_id, channel_id, role_id, owner_user_id, projects, filters, invalid, invalid_notified, delivery_failure, created_at, updated_at`

// watchBlobs are the JSON columns shared by both watch tables.
type watchBlobs struct {
	projects string
	filters  sql.NullString
	invalid  sql.NullString
	notified sql.NullString
	fail     sql.NullString
}

func (b *watchBlobs) targets() []any {
	return []any{&b.projects, &b.filters, &b.invalid, &b.notified, &b.fail}
}

func scanGuild(sc interface{ Scan(...any) error }) (model.GuildWatch, error) {
	var (
		w                model.GuildWatch
		role, owner      sql.NullString
		b                watchBlobs
		created, updated int64
	)
	dst := append([]any{&w.GuildID, &w.ChannelID, &role, &owner}, b.targets()...)
	if err := sc.Scan(append(dst, &created, &updated)...); err != nil {
		return w, err
	}
	w.RoleID, w.OwnerUserID = role.String, owner.String
	if err := b.decode(&w.Projects, &w.Filters, &w.Invalid, &w.InvalidNotified, &w.DeliveryFailure); err != nil {
		return w, fmt.Errorf("decode guild watch %s: %w", w.GuildID, err)
	}
	w.CreatedAt, w.UpdatedAt = timeOf(created), timeOf(updated)
	return w, nil
}

func (s *sqliteStore) GetGuildWatch(ctx context.Context, guildID string) (model.GuildWatch, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guild_watch WHERE guild_id = ?`, guildID)
	w, err := scanGuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GuildWatch{}, false, nil
	}
	if err != nil {
		return model.GuildWatch{}, false, err
	}
	return w, true, nil
}

func (s *sqliteStore) PutGuildWatch(ctx context.Context, w model.GuildWatch) error {
	b, err := encodeWatch(w.Projects, w.Filters, w.Invalid, w.InvalidNotified, w.DeliveryFailure)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO guild_watch(`+guildColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET
		   channel_id=excluded.channel_id, role_id=excluded.role_id, owner_user_id=excluded.owner_user_id,
		   projects=excluded.projects, filters=excluded.filters, invalid=excluded.invalid,
		   invalid_notified=excluded.invalid_notified, delivery_failure=excluded.delivery_failure,
		   updated_at=excluded.updated_at`,
		w.GuildID, w.ChannelID, nullStr(w.RoleID), nullStr(w.OwnerUserID),
		b.projects, b.filters, b.invalid, b.notified, b.fail, msOf(w.CreatedAt), msOf(w.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteGuildWatch(ctx context.Context, guildID string) error {
	_, err := s.exec(ctx, `DELETE FROM guild_watch WHERE guild_id = ?`, guildID)
	return err
}

func (s *sqliteStore) ListGuildWatches(ctx context.Context) ([]model.GuildWatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+guildColumns+` FROM guild_watch ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GuildWatch
	for rows.Next() {
		w, err := scanGuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const userColumns = `user_id, projects, filters, invalid, invalid_notified, delivery_failure, created_at, updated_at`

func scanUser(sc interface{ Scan(...any) error }) (model.UserWatch, error) {
	var (
		w                model.UserWatch
		b                watchBlobs
		created, updated int64
	)
	dst := append([]any{&w.UserID}, b.targets()...)
	if err := sc.Scan(append(dst, &created, &updated)...); err != nil {
		return w, err
	}
	if err := b.decode(&w.Projects, &w.Filters, &w.Invalid, &w.InvalidNotified, &w.DeliveryFailure); err != nil {
		return w, fmt.Errorf("decode user watch %s: %w", w.UserID, err)
	}
	w.CreatedAt, w.UpdatedAt = timeOf(created), timeOf(updated)
	return w, nil
}

func (s *sqliteStore) GetUserWatch(ctx context.Context, userID string) (model.UserWatch, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_watch WHERE user_id = ?`, userID)
	w, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserWatch{}, false, nil
	}
	if err != nil {
		return model.UserWatch{}, false, err
	}
	return w, true, nil
}

func (s *sqliteStore) PutUserWatch(ctx context.Context, w model.UserWatch) error {
	b, err := encodeWatch(w.Projects, w.Filters, w.Invalid, w.InvalidNotified, w.DeliveryFailure)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO user_watch(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   projects=excluded.projects, filters=excluded.filters, invalid=excluded.invalid,
		   invalid_notified=excluded.invalid_notified, delivery_failure=excluded.delivery_failure,
		   updated_at=excluded.updated_at`,
		w.UserID, b.projects, b.filters, b.invalid, b.notified, b.fail, msOf(w.CreatedAt), msOf(w.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteUserWatch(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, `DELETE FROM user_watch WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) ListUserWatches(ctx context.Context) ([]model.UserWatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM user_watch ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.UserWatch
	for rows.Next() {
		w, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO delivery_ledger(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDelivered(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) Delivered(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM delivery_ledger WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ms >= time.Now().UnixMilli(), nil
}

func (s *sqliteStore) PruneDelivered(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM delivery_ledger WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func encodeWatch(projects model.ProjectSet, f model.Filters, invalid, notified map[model.ProjectID]time.Time, fail *model.DeliveryFailure) (watchBlobs, error) {
	var b watchBlobs
	p, err := json.Marshal(projects)
	if err != nil {
		return b, err
	}
	b.projects = string(p)
	if !f.IsZero() {
		if b.filters, err = nullJSON(f); err != nil {
			return b, err
		}
	}
	if len(invalid) > 0 {
		if b.invalid, err = nullJSON(invalid); err != nil {
			return b, err
		}
	}
	if len(notified) > 0 {
		if b.notified, err = nullJSON(notified); err != nil {
			return b, err
		}
	}
	if fail != nil {
		if b.fail, err = nullJSON(fail); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (b watchBlobs) decode(ps *model.ProjectSet, f *model.Filters, inv, notified *map[model.ProjectID]time.Time, df **model.DeliveryFailure) error {
	if err := json.Unmarshal([]byte(b.projects), ps); err != nil {
		return err
	}
	for _, c := range []struct {
		col sql.NullString
		dst any
	}{{b.filters, f}, {b.invalid, inv}, {b.notified, notified}} {
		if c.col.Valid && c.col.String != "" {
			if err := json.Unmarshal([]byte(c.col.String), c.dst); err != nil {
				return err
			}
		}
	}
	if b.fail.Valid && b.fail.String != "" {
		var v model.DeliveryFailure
		if err := json.Unmarshal([]byte(b.fail.String), &v); err != nil {
			return err
		}
		*df = &v
	}
	return nil
}

func nullJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Times are unix milliseconds; 0 is the zero time.
func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
