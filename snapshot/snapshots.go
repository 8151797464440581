package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sbl8/dnc/runtime"
)

// ErrNotFound is returned when no snapshot matches.
var ErrNotFound = errors.New("snapshot not found")

// Info describes a stored snapshot without its state.
type Info struct {
	ID         uuid.UUID
	Agent      string
	Label      string
	Locations  int
	VectorSize int
	ReadHeads  int
	Steps      uint64
	Bytes      int
	CreatedAt  time.Time
}

// Save encodes s and stores it for agent. States that fail
// runtime.State.Validate are refused.
func (db *DB) Save(ctx context.Context, agent, label string, s runtime.State) (Info, error) {
	if agent == "" {
		return Info{}, errors.New("save snapshot: agent name required")
	}
	if err := s.Validate(); err != nil {
		return Info{}, fmt.Errorf("save snapshot: %w", err)
	}
	blob, err := s.MarshalBinary()
	if err != nil {
		return Info{}, fmt.Errorf("encode state: %w", err)
	}

	info := Info{
		ID:         uuid.New(),
		Agent:      agent,
		Label:      label,
		Locations:  s.Locations,
		VectorSize: s.VectorSize,
		ReadHeads:  s.ReadHeads,
		Steps:      s.Steps,
		Bytes:      len(blob),
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO snapshots (id, agent, label, locations, vector_size, read_heads, steps, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID.String(), info.Agent, info.Label, info.Locations, info.VectorSize, info.ReadHeads,
		int64(info.Steps), blob, info.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Info{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return info, nil
}

const selectInfo = `SELECT id, agent, label, locations, vector_size, read_heads, steps, length(state), created_at FROM snapshots`

// Load returns the snapshot with the given id.
func (db *DB) Load(ctx context.Context, id uuid.UUID) (runtime.State, Info, error) {
	return db.loadOne(ctx, `SELECT id, agent, label, locations, vector_size, read_heads, steps, length(state), created_at, state
		FROM snapshots WHERE id = ?`, id.String())
}

// Latest returns the most recent snapshot of agent.
func (db *DB) Latest(ctx context.Context, agent string) (runtime.State, Info, error) {
	return db.loadOne(ctx, `SELECT id, agent, label, locations, vector_size, read_heads, steps, length(state), created_at, state
		FROM snapshots WHERE agent = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, agent)
}

func (db *DB) loadOne(ctx context.Context, query string, arg any) (runtime.State, Info, error) {
	var (
		info Info
		blob []byte
	)
	row := db.QueryRowContext(ctx, query, arg)
	if err := scanInfo(row, &info, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return runtime.State{}, Info{}, fmt.Errorf("%w: %v", ErrNotFound, arg)
		}
		return runtime.State{}, Info{}, err
	}
	var s runtime.State
	if err := s.UnmarshalBinary(blob); err != nil {
		return runtime.State{}, Info{}, fmt.Errorf("decode snapshot %s: %w", info.ID, err)
	}
	return s, info, nil
}

// List returns snapshot descriptions, newest first. An empty agent lists
// every agent.
func (db *DB) List(ctx context.Context, agent string) ([]Info, error) {
	query := selectInfo + ` ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if agent != "" {
		query = selectInfo + ` WHERE agent = ? ORDER BY created_at DESC, rowid DESC`
		args = append(args, agent)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		if err := scanInfo(rows, &info, nil); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the snapshot with the given id.
func (db *DB) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(s scanner, info *Info, blob *[]byte) error {
	var (
		id      string
		steps   int64
		created int64
	)
	dest := []any{&id, &info.Agent, &info.Label, &info.Locations, &info.VectorSize,
		&info.ReadHeads, &steps, &info.Bytes, &created}
	if blob != nil {
		dest = append(dest, blob)
	}
	if err := s.Scan(dest...); err != nil {
		return err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("snapshot id %q: %w", id, err)
	}
	info.ID = parsed
	info.Steps = uint64(steps)
	info.CreatedAt = time.UnixMilli(created).UTC()
	return nil
}
