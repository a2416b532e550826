package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "github.com/boomNDS/soop-discoard-bot/pkg/logx"
)

// SQLStore implements every store interface of this package on one *sql.DB.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	closed  atomic.Bool
}

var (
	_ LinkRegistry       = (*SQLStore)(nil)
	_ LiveStateStore     = (*SQLStore)(nil)
	_ GuildSettingsStore = (*SQLStore)(nil)
	_ PollStateStore     = (*SQLStore)(nil)
)

func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// q rewrites '?' placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.QueryContext(ctx, s.q(query), args...)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// ---- links ----

const linkColumns = `guild_id, soop_channel_id, notify_channel_id, message_template, created_at`

func scanLinks(rows *sql.Rows) ([]Link, error) {
	defer rows.Close()
	var out []Link
	for rows.Next() {
		var (
			l       Link
			tmpl    sql.NullString
			created string
		)
		if err := rows.Scan(&l.GuildID, &l.ExternalChannelID, &l.NotifyChannelID, &tmpl, &created); err != nil {
			return nil, err
		}
		l.MessageTemplate = stringPtr(tmpl)
		l.CreatedAt = parseTime(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListAllLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.query(ctx, `SELECT `+linkColumns+` FROM guild_streamers ORDER BY guild_id, soop_channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return scanLinks(rows)
}

func (s *SQLStore) GetLinks(ctx context.Context, guildID string) ([]Link, error) {
	rows, err := s.query(ctx, `SELECT `+linkColumns+` FROM guild_streamers WHERE guild_id = ? ORDER BY soop_channel_id`, guildID)
	if err != nil {
		return nil, fmt.Errorf("get links: %w", err)
	}
	return scanLinks(rows)
}

// UpsertLink creates the link or moves it to a new notify channel. The template
// and creation time of an existing link are kept.
func (s *SQLStore) UpsertLink(ctx context.Context, l Link) error {
	if l.GuildID == "" || l.ExternalChannelID == "" || l.NotifyChannelID == "" {
		return errors.New("upsert link: guild, channel and notify channel are required")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO guild_streamers(guild_id, soop_channel_id, notify_channel_id, message_template, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(guild_id, soop_channel_id) DO UPDATE SET notify_channel_id = excluded.notify_channel_id`,
		l.GuildID, l.ExternalChannelID, l.NotifyChannelID, nullString(l.MessageTemplate), formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveLink(ctx context.Context, guildID, channelID string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM guild_streamers WHERE guild_id = ? AND soop_channel_id = ?`, guildID, channelID)
	if err != nil {
		return false, fmt.Errorf("remove link: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTemplate sets or clears (nil) the message template of an existing link.
func (s *SQLStore) SetTemplate(ctx context.Context, guildID, channelID string, template *string) error {
	res, err := s.exec(ctx,
		`UPDATE guild_streamers SET message_template = ? WHERE guild_id = ? AND soop_channel_id = ?`,
		nullString(template), guildID, channelID,
	)
	if err != nil {
		return fmt.Errorf("set template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- live state ----

func (s *SQLStore) LoadAll(ctx context.Context) ([]LiveState, error) {
	rows, err := s.query(ctx,
		`SELECT guild_id, soop_channel_id, is_live, broad_no, updated_at, last_notified_at FROM live_status`)
	if err != nil {
		return nil, fmt.Errorf("load live state: %w", err)
	}
	defer rows.Close()

	var out []LiveState
	for rows.Next() {
		var (
			st       LiveState
			live     int
			broad    sql.NullString
			updated  string
			notified sql.NullString
		)
		if err := rows.Scan(&st.GuildID, &st.ExternalChannelID, &live, &broad, &updated, &notified); err != nil {
			return nil, fmt.Errorf("load live state: %w", err)
		}
		st.IsLive = live != 0
		st.BroadcastID = broad.String
		st.UpdatedAt = parseTime(updated)
		if notified.Valid {
			t := parseTime(notified.String)
			st.LastNotifiedAt = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) Upsert(ctx context.Context, st LiveState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	live := 0
	if st.IsLive {
		live = 1
	}
	broad := sql.NullString{String: st.BroadcastID, Valid: st.BroadcastID != ""}
	var notified sql.NullString
	if st.LastNotifiedAt != nil {
		notified = sql.NullString{String: formatTime(*st.LastNotifiedAt), Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO live_status(guild_id, soop_channel_id, is_live, broad_no, updated_at, last_notified_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(guild_id, soop_channel_id) DO UPDATE SET
		   is_live = excluded.is_live,
		   broad_no = excluded.broad_no,
		   updated_at = excluded.updated_at,
		   last_notified_at = excluded.last_notified_at`,
		st.GuildID, st.ExternalChannelID, live, broad, formatTime(st.UpdatedAt), notified,
	)
	if err != nil {
		return fmt.Errorf("upsert live state: %w", err)
	}
	return nil
}

func (s *SQLStore) PruneExcept(ctx context.Context, active map[PairKey]struct{}) ([]PairKey, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("prune live state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT guild_id, soop_channel_id FROM live_status`)
	if err != nil {
		return nil, fmt.Errorf("prune live state: %w", err)
	}
	var stale []PairKey
	for rows.Next() {
		var g, c string
		if err := rows.Scan(&g, &c); err != nil {
			rows.Close()
			return nil, fmt.Errorf("prune live state: %w", err)
		}
		k := NewPairKey(g, c)
		if _, ok := active[k]; !ok {
			stale = append(stale, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prune live state: %w", err)
	}

	del := s.q(`DELETE FROM live_status WHERE guild_id = ? AND soop_channel_id = ?`)
	for _, k := range stale {
		g, c := k.Split()
		if _, err := tx.ExecContext(ctx, del, g, c); err != nil {
			return nil, fmt.Errorf("prune live state: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("prune live state: %w", err)
	}
	return stale, nil
}

// ---- guild settings ----

func (s *SQLStore) GuildSettings(ctx context.Context, guildID string) (GuildSettings, error) {
	out := GuildSettings{GuildID: guildID}
	var (
		defCh, title, desc, color, mType, mValue sql.NullString
		rate                                     sql.NullInt64
	)
	if s.closed.Load() {
		return out, ErrClosed
	}
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT default_notify_channel_id, embed_title, embed_description, embed_color, mention_type, mention_value, rate_limit_per_min
		 FROM guild_settings WHERE guild_id = ?`), guildID,
	).Scan(&defCh, &title, &desc, &color, &mType, &mValue, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("guild settings: %w", err)
	}
	out.DefaultNotifyChannelID = defCh.String
	if rate.Valid {
		v := int(rate.Int64)
		out.RateLimitPerMin = &v
	}
	out.Mention = MentionConfig{Type: mType.String, Value: mValue.String}
	out.Embed = EmbedOverrides{Title: stringPtr(title), Description: stringPtr(desc), Color: stringPtr(color)}
	return out, nil
}

func (s *SQLStore) RateLimit(ctx context.Context, guildID string) (*int, error) {
	gs, err := s.GuildSettings(ctx, guildID)
	return gs.RateLimitPerMin, err
}

func (s *SQLStore) MentionConfig(ctx context.Context, guildID string) (MentionConfig, error) {
	gs, err := s.GuildSettings(ctx, guildID)
	return gs.Mention, err
}

func (s *SQLStore) EmbedOverrides(ctx context.Context, guildID string) (EmbedOverrides, error) {
	gs, err := s.GuildSettings(ctx, guildID)
	return gs.Embed, err
}

// setSettings upserts one guild_settings row updating only cols.
func (s *SQLStore) setSettings(ctx context.Context, guildID string, cols []string, vals ...any) error {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = excluded." + c
	}
	query := `INSERT INTO guild_settings(guild_id, ` + strings.Join(cols, ", ") + `)
		VALUES(?` + strings.Repeat(",?", len(cols)) + `)
		ON CONFLICT(guild_id) DO UPDATE SET ` + strings.Join(sets, ", ")
	args := append([]any{guildID}, vals...)
	if _, err := s.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("guild settings %s: %w", strings.Join(cols, ","), err)
	}
	return nil
}

func (s *SQLStore) SetRateLimit(ctx context.Context, guildID string, perMin *int) error {
	var v sql.NullInt64
	if perMin != nil {
		v = sql.NullInt64{Int64: int64(*perMin), Valid: true}
	}
	return s.setSettings(ctx, guildID, []string{"rate_limit_per_min"}, v)
}

func (s *SQLStore) SetMention(ctx context.Context, guildID string, m MentionConfig) error {
	switch m.Type {
	case MentionNone, MentionEveryone, MentionRole:
	default:
		return fmt.Errorf("set mention: unknown type %q", m.Type)
	}
	t := sql.NullString{String: m.Type, Valid: m.Type != ""}
	v := sql.NullString{String: m.Value, Valid: m.Value != ""}
	return s.setSettings(ctx, guildID, []string{"mention_type", "mention_value"}, t, v)
}

func (s *SQLStore) SetEmbedOverrides(ctx context.Context, guildID string, o EmbedOverrides) error {
	return s.setSettings(ctx, guildID, []string{"embed_title", "embed_description", "embed_color"},
		nullString(o.Title), nullString(o.Description), nullString(o.Color))
}

func (s *SQLStore) SetDefaultNotifyChannel(ctx context.Context, guildID, channelID string) error {
	v := sql.NullString{String: channelID, Valid: channelID != ""}
	return s.setSettings(ctx, guildID, []string{"default_notify_channel_id"}, v)
}

// ---- poll state ----

func (s *SQLStore) GetPollState(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM poll_state WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get poll state: %w", err)
	}
	return v, true, nil
}

func (s *SQLStore) SetPollState(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO poll_state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set poll state: %w", err)
	}
	return nil
}
