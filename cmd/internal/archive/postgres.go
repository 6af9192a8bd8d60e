package archive

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deskwire/cmd/internal/ids"
	"deskwire/cmd/internal/realtime"
)

//go:embed schema.sql
var schemaSQL string

const defaultSchema = "deskwire"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Appends take a per-channel transactional advisory lock, so duplicates
//   never consume a sequence and ordering stays strictly monotonic.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "deskwire").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: defaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("archive: apply schema: %w", err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `channel_id, channel_type, message_seq, message_id, client_msg_no, from_uid, payload, stream_data, error, ts`

// Append stores a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, ErrNilStore
	}
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: payload: %v", ErrInvalidInput, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "channel_cursors")
	messages := pgIdent(s.schema, "messages")
	ct := int16(in.ChannelType)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		lockKey(in.ChannelID, in.ChannelType),
	); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE channel_id = $1 AND channel_type = $2 AND client_msg_no = $3`,
		in.ChannelID, ct, in.ClientMsgNo,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+cursors+` AS c (channel_id, channel_type, next_seq)
		 VALUES ($1, $2, 2)
		 ON CONFLICT (channel_id, channel_type)
		 DO UPDATE SET next_seq = c.next_seq + 1, updated_at = now()
		 RETURNING (next_seq - 1)`,
		in.ChannelID, ct,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	out := realtime.Message{
		ChannelID:   in.ChannelID,
		ChannelType: in.ChannelType,
		FromUID:     in.FromUID,
		MessageID:   ids.NewMessageID(now),
		ClientMsgNo: in.ClientMsgNo,
		MessageSeq:  seq,
		Timestamp:   now.Unix(),
		Payload:     in.Payload,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '', '', $8)`,
		out.ChannelID, ct, out.MessageSeq, out.MessageID, out.ClientMsgNo, out.FromUID, payload, out.Timestamp,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: out}, nil
}

// Put stores already-sequenced messages. Rows that collide on sequence or
// client_msg_no are left untouched.
func (s *PostgresStore) Put(ctx context.Context, msgs []realtime.Message) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}

	cursors := pgIdent(s.schema, "channel_cursors")
	messages := pgIdent(s.schema, "messages")

	batch := &pgx.Batch{}
	for _, m := range msgs {
		if m.MessageSeq <= 0 || m.ChannelID == "" || m.ChannelType == 0 {
			continue
		}
		payload, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("%w: payload: %v", ErrInvalidInput, err)
		}
		ct := int16(m.ChannelType)
		batch.Queue(
			`INSERT INTO `+messages+` (`+messageColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT DO NOTHING`,
			m.ChannelID, ct, m.MessageSeq, m.MessageID, m.ClientMsgNo, m.FromUID, payload, m.StreamData, m.Error, m.Timestamp,
		)
		// Keep Append from reusing a sequence that arrived through Put.
		batch.Queue(
			`INSERT INTO `+cursors+` AS c (channel_id, channel_type, next_seq)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (channel_id, channel_type)
			 DO UPDATE SET next_seq = GREATEST(c.next_seq, EXCLUDED.next_seq), updated_at = now()`,
			m.ChannelID, ct, m.MessageSeq+1,
		)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("put messages: %w", err)
	}
	return tx.Commit(ctx)
}

// FetchHistory returns one page of a channel ordered by message_seq ASC.
// Pull semantics match MemoryStore.
func (s *PostgresStore) FetchHistory(ctx context.Context, q realtime.HistoryQuery) (realtime.HistoryPage, error) {
	if s == nil || s.pool == nil {
		return realtime.HistoryPage{}, ErrNilStore
	}
	if err := validateQuery(q); err != nil {
		return realtime.HistoryPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return realtime.HistoryPage{}, err
	}

	limit := pageLimit(q.Limit)
	fetch := limit + 1
	messages := pgIdent(s.schema, "messages")
	ct := int16(q.ChannelType)

	var (
		rows pgx.Rows
		err  error
	)
	newer := q.PullMode == realtime.PullNewer
	if newer {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE channel_id = $1 AND channel_type = $2
			    AND message_seq > $3
			    AND ($4::bigint = 0 OR message_seq <= $4)
			  ORDER BY message_seq ASC
			  LIMIT $5`,
			q.ChannelID, ct, q.StartSeq, q.EndSeq, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE channel_id = $1 AND channel_type = $2
			    AND ($3::bigint = 0 OR message_seq < $3)
			    AND ($4::bigint = 0 OR message_seq >= $4)
			  ORDER BY message_seq DESC
			  LIMIT $5`,
			q.ChannelID, ct, q.StartSeq, q.EndSeq, fetch,
		)
	}
	if err != nil {
		return realtime.HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]realtime.Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return realtime.HistoryPage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return realtime.HistoryPage{}, err
	}

	more := len(msgs) > limit
	if more {
		msgs = msgs[:limit]
	}
	if !newer {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return newPage(msgs, more), nil
}

func scanMessage(row pgx.Row) (realtime.Message, error) {
	var (
		m       realtime.Message
		ct      int16
		payload []byte
	)
	if err := row.Scan(
		&m.ChannelID,
		&ct,
		&m.MessageSeq,
		&m.MessageID,
		&m.ClientMsgNo,
		&m.FromUID,
		&payload,
		&m.StreamData,
		&m.Error,
		&m.Timestamp,
	); err != nil {
		return realtime.Message{}, err
	}
	m.ChannelType = realtime.ChannelType(ct)
	m.Payload = realtime.DecodePayload(payload)
	return m, nil
}

func lockKey(channelID string, channelType realtime.ChannelType) string {
	return fmt.Sprintf("%d:%s", channelType, channelID)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
