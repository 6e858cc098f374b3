package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"popster-server/internal/database"
	"popster-server/internal/engine"
)

// RoomRecord is the durable row of a room. GameState holds the JSON
// encoded engine.GameState.
type RoomRecord struct {
	ID         string
	Key        string
	Mode       engine.Mode
	Status     engine.Status
	GameState  []byte
	PlaylistID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type PlayerRecord struct {
	ID        string
	RoomID    string
	Name      string
	Avatar    string
	SocketID  string
	Connected bool
	LastSeen  time.Time
	CreatedAt time.Time
}

// Store is the durable side of rooms and players. Lookups report a
// missing row with ok=false rather than an error.
type Store interface {
	CreateRoom(ctx context.Context, r RoomRecord) error
	RoomByID(ctx context.Context, id string) (RoomRecord, bool, error)
	RoomByKey(ctx context.Context, key string) (RoomRecord, bool, error)
	AllRooms(ctx context.Context) ([]RoomRecord, error)
	UpdateGameState(ctx context.Context, roomID string, status engine.Status, state []byte, at time.Time) error
	UpdatePlaylist(ctx context.Context, roomID, playlistID string, at time.Time) error
	DeleteRoom(ctx context.Context, roomID string) error
	CleanupFinishedRooms(ctx context.Context, olderThan time.Time) (int, error)

	UpsertPlayer(ctx context.Context, p PlayerRecord) error
	Players(ctx context.Context, roomID string) ([]PlayerRecord, error)
	SetPlayerConnected(ctx context.Context, playerID string, connected bool, socketID string, at time.Time) error
	DeletePlayer(ctx context.Context, playerID string) error
}

// PersistenceManager is the SQL Store, shared by sqlite3 and postgres.
type PersistenceManager struct {
	db     *sql.DB
	driver string
}

func NewPersistenceManager(db *sql.DB, driver string) *PersistenceManager {
	return &PersistenceManager{db: db, driver: driver}
}

func (pm *PersistenceManager) q(query string) string {
	return database.Rebind(pm.driver, query)
}

const roomColumns = `id, room_key, mode, status, game_state, playlist_id, created_at, updated_at`

func (pm *PersistenceManager) CreateRoom(ctx context.Context, r RoomRecord) error {
	_, err := pm.db.ExecContext(ctx, pm.q(`
		INSERT INTO rooms (`+roomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		r.ID, r.Key, string(r.Mode), string(r.Status), string(r.GameState),
		nullString(r.PlaylistID), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create room %s: %w", r.Key, err)
	}
	return nil
}

func (pm *PersistenceManager) RoomByID(ctx context.Context, id string) (RoomRecord, bool, error) {
	row := pm.db.QueryRowContext(ctx, pm.q(`SELECT `+roomColumns+` FROM rooms WHERE id = ?`), id)
	return scanRoomRow(row)
}

func (pm *PersistenceManager) RoomByKey(ctx context.Context, key string) (RoomRecord, bool, error) {
	row := pm.db.QueryRowContext(ctx, pm.q(`SELECT `+roomColumns+` FROM rooms WHERE room_key = ?`), key)
	return scanRoomRow(row)
}

// AllRooms returns every room, oldest first.
func (pm *PersistenceManager) AllRooms(ctx context.Context) ([]RoomRecord, error) {
	rows, err := pm.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []RoomRecord
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}
	return rooms, nil
}

func (pm *PersistenceManager) UpdateGameState(ctx context.Context, roomID string, status engine.Status, state []byte, at time.Time) error {
	res, err := pm.db.ExecContext(ctx, pm.q(`
		UPDATE rooms SET status = ?, game_state = ?, updated_at = ? WHERE id = ?
	`), string(status), string(state), at.UTC(), roomID)
	if err != nil {
		return fmt.Errorf("failed to save game state for room %s: %w", roomID, err)
	}
	return requireRow(res, "room", roomID)
}

func (pm *PersistenceManager) UpdatePlaylist(ctx context.Context, roomID, playlistID string, at time.Time) error {
	res, err := pm.db.ExecContext(ctx, pm.q(`
		UPDATE rooms SET playlist_id = ?, updated_at = ? WHERE id = ?
	`), nullString(playlistID), at.UTC(), roomID)
	if err != nil {
		return fmt.Errorf("failed to save playlist for room %s: %w", roomID, err)
	}
	return requireRow(res, "room", roomID)
}

// DeleteRoom removes the room and its players.
func (pm *PersistenceManager) DeleteRoom(ctx context.Context, roomID string) error {
	return pm.deleteRooms(ctx, []string{roomID})
}

// CleanupFinishedRooms deletes finished rooms last updated before cutoff.
func (pm *PersistenceManager) CleanupFinishedRooms(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := pm.db.QueryContext(ctx, pm.q(`
		SELECT id FROM rooms WHERE status = ? AND updated_at < ?
	`), string(engine.StatusFinished), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to query finished rooms: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating finished rooms: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}
	if err := pm.deleteRooms(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (pm *PersistenceManager) deleteRooms(ctx context.Context, ids []string) error {
	tx, err := pm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, pm.q(`DELETE FROM players WHERE room_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete players of room %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, pm.q(`DELETE FROM rooms WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete room %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

const playerColumns = `id, room_id, name, avatar, socket_id, connected, last_seen, created_at`

func (pm *PersistenceManager) UpsertPlayer(ctx context.Context, p PlayerRecord) error {
	_, err := pm.db.ExecContext(ctx, pm.q(`
		INSERT INTO players (`+playerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			socket_id = excluded.socket_id,
			connected = excluded.connected,
			last_seen = excluded.last_seen
	`),
		p.ID, p.RoomID, p.Name, nullString(p.Avatar), nullString(p.SocketID),
		p.Connected, p.LastSeen.UTC(), p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save player %s: %w", p.ID, err)
	}
	return nil
}

// Players returns the players of roomID in join order.
func (pm *PersistenceManager) Players(ctx context.Context, roomID string) ([]PlayerRecord, error) {
	rows, err := pm.db.QueryContext(ctx, pm.q(`
		SELECT `+playerColumns+` FROM players WHERE room_id = ? ORDER BY created_at
	`), roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query players: %w", err)
	}
	defer rows.Close()

	var players []PlayerRecord
	for rows.Next() {
		var (
			p              PlayerRecord
			avatar, socket sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.RoomID, &p.Name, &avatar, &socket, &p.Connected, &p.LastSeen, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan player row: %w", err)
		}
		p.Avatar = avatar.String
		p.SocketID = socket.String
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating player rows: %w", err)
	}
	return players, nil
}

func (pm *PersistenceManager) SetPlayerConnected(ctx context.Context, playerID string, connected bool, socketID string, at time.Time) error {
	res, err := pm.db.ExecContext(ctx, pm.q(`
		UPDATE players SET connected = ?, socket_id = ?, last_seen = ? WHERE id = ?
	`), connected, nullString(socketID), at.UTC(), playerID)
	if err != nil {
		return fmt.Errorf("failed to update presence of player %s: %w", playerID, err)
	}
	return requireRow(res, "player", playerID)
}

func (pm *PersistenceManager) DeletePlayer(ctx context.Context, playerID string) error {
	if _, err := pm.db.ExecContext(ctx, pm.q(`DELETE FROM players WHERE id = ?`), playerID); err != nil {
		return fmt.Errorf("failed to delete player %s: %w", playerID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoomRow(row *sql.Row) (RoomRecord, bool, error) {
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomRecord{}, false, nil
	}
	if err != nil {
		return RoomRecord{}, false, fmt.Errorf("failed to load room: %w", err)
	}
	return r, true, nil
}

func scanRoom(s rowScanner) (RoomRecord, error) {
	var (
		r                  RoomRecord
		mode, status, game string
		playlist           sql.NullString
	)
	if err := s.Scan(&r.ID, &r.Key, &mode, &status, &game, &playlist, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return RoomRecord{}, err
	}
	r.Mode = engine.Mode(mode)
	r.Status = engine.Status(status)
	r.GameState = []byte(game)
	r.PlaylistID = playlist.String
	return r, nil
}

var errNoRowsAffected = errors.New("no rows affected")

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, errNoRowsAffected)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
