package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

type Game struct {
	ID         string       `db:"id"`
	StartedAt  sql.NullTime `db:"started_at"`
	OptionsRaw string       `db:"options"`
	NextGame   *string      `db:"next_game"`
}

// Started reports whether the game has left the lobby.
func (g *Game) Started() bool {
	return g.StartedAt.Valid
}

// Options decodes the stored configuration. A malformed blob falls back to defaults.
func (g *Game) Options() GameOptions {
	var opts GameOptions
	if err := json.Unmarshal([]byte(g.OptionsRaw), &opts); err != nil {
		log.Warn().Err(err).Str("game", g.ID).Msg("unreadable options, using defaults")
		return DefaultOptions()
	}
	return opts.normalized()
}

type Player struct {
	ID          int64   `db:"id"`
	GameID      string  `db:"game_id"`
	Name        string  `db:"name"`
	Role        *string `db:"role"`
	DiedInRound *int    `db:"died_in_round"`
}

func (p Player) IsAlive() bool {
	return p.DiedInRound == nil
}

// RoleOf returns the assigned role, or the empty role while in the lobby.
func (p Player) RoleOf() Role {
	if p.Role == nil {
		return ""
	}
	return Role(*p.Role)
}

// Action is one player's choice for one round. DoneTo nil means abstain
// (and is what ghost-fill records for the dead).
type Action struct {
	ID     int64  `db:"id"`
	GameID string `db:"game_id"`
	Round  int    `db:"round"`
	DoneBy int64  `db:"done_by"`
	DoneTo *int64 `db:"done_to"`
}

// RoundOutcome records what a resolution pass decided for one closed round.
type RoundOutcome struct {
	GameID string `db:"game_id" json:"game_id"`
	Round  int    `db:"round"   json:"round"`
	Phase  Phase  `db:"phase"   json:"phase"`
	Target *int64 `db:"target"  json:"target,omitempty"` // nominee (day) or drawn target (night)
	Victim *int64 `db:"victim"  json:"victim,omitempty"`
	Reason string `db:"reason"  json:"reason"`
	Votes  int    `db:"votes"   json:"votes,omitempty"`  // votes naming the target
	Voters int    `db:"voters"  json:"voters,omitempty"` // eligible voters that round
}

type DeathNotice struct {
	GameID   string `db:"game_id"`
	PlayerID int64  `db:"player_id"`
	Round    int    `db:"round"`
	Text     string `db:"text"`
}

const playerColumns = `id, game_id, name, role, died_in_round`
const actionColumns = `id, game_id, round, done_by, done_to`

func getGame(ctx context.Context, q sqlx.QueryerContext, gameID string) (*Game, error) {
	var game Game
	err := sqlx.GetContext(ctx, q, &game, `SELECT id, started_at, options, next_game FROM game WHERE id = ?`, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownGame
	}
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", gameID, err)
	}
	return &game, nil
}

// getPlayersByGameId returns the roster in join order, which is the stable
// ordering used for leadership and role assignment.
func getPlayersByGameId(ctx context.Context, q sqlx.QueryerContext, gameID string) ([]Player, error) {
	var players []Player
	err := sqlx.SelectContext(ctx, q, &players, `SELECT `+playerColumns+` FROM player WHERE game_id = ? ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("get players of %s: %w", gameID, err)
	}
	return players, nil
}

func getPlayer(ctx context.Context, q sqlx.QueryerContext, playerID int64) (*Player, error) {
	var player Player
	err := sqlx.GetContext(ctx, q, &player, `SELECT `+playerColumns+` FROM player WHERE id = ?`, playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownPlayer
	}
	if err != nil {
		return nil, fmt.Errorf("get player %d: %w", playerID, err)
	}
	return &player, nil
}

// getPlayerInGame loads a player and checks it belongs to gameID.
func getPlayerInGame(ctx context.Context, q sqlx.QueryerContext, gameID string, playerID int64) (*Player, error) {
	player, err := getPlayer(ctx, q, playerID)
	if err != nil {
		return nil, err
	}
	if player.GameID != gameID {
		return nil, ErrUnknownPlayer
	}
	return player, nil
}

func countActions(ctx context.Context, q sqlx.QueryerContext, gameID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM action WHERE game_id = ?`, gameID); err != nil {
		return 0, fmt.Errorf("count actions of %s: %w", gameID, err)
	}
	return n, nil
}

func getActionsForRound(ctx context.Context, q sqlx.QueryerContext, gameID string, round int) ([]Action, error) {
	var actions []Action
	err := sqlx.SelectContext(ctx, q, &actions, `SELECT `+actionColumns+` FROM action WHERE game_id = ? AND round = ? ORDER BY id`, gameID, round)
	if err != nil {
		return nil, fmt.Errorf("get actions of %s round %d: %w", gameID, round, err)
	}
	return actions, nil
}

// getAction returns the actor's action for a round, or nil if none is recorded.
func getAction(ctx context.Context, q sqlx.QueryerContext, gameID string, round int, actorID int64) (*Action, error) {
	var action Action
	err := sqlx.GetContext(ctx, q, &action, `SELECT `+actionColumns+` FROM action WHERE game_id = ? AND round = ? AND done_by = ?`, gameID, round, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action of %d in round %d: %w", actorID, round, err)
	}
	return &action, nil
}

func getOutcomes(ctx context.Context, q sqlx.QueryerContext, gameID string) ([]RoundOutcome, error) {
	var outcomes []RoundOutcome
	err := sqlx.SelectContext(ctx, q, &outcomes, `
		SELECT game_id, round, phase, target, victim, reason, votes, voters
		FROM round_outcome
		WHERE game_id = ?
		ORDER BY round`, gameID)
	if err != nil {
		return nil, fmt.Errorf("get outcomes of %s: %w", gameID, err)
	}
	return outcomes, nil
}

func getDeathNotices(ctx context.Context, q sqlx.QueryerContext, gameID string) ([]DeathNotice, error) {
	var notices []DeathNotice
	err := sqlx.SelectContext(ctx, q, &notices, `
		SELECT game_id, player_id, round, text
		FROM death_notice
		WHERE game_id = ?
		ORDER BY round, player_id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("get death notices of %s: %w", gameID, err)
	}
	return notices, nil
}

func insertOutcome(ctx context.Context, x sqlx.ExecerContext, o RoundOutcome) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO round_outcome (game_id, round, phase, target, victim, reason, votes, voters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(game_id, round) DO UPDATE SET
			phase = excluded.phase, target = excluded.target, victim = excluded.victim,
			reason = excluded.reason, votes = excluded.votes, voters = excluded.voters`,
		o.GameID, o.Round, o.Phase, o.Target, o.Victim, o.Reason, o.Votes, o.Voters)
	if err != nil {
		return fmt.Errorf("insert outcome of round %d: %w", o.Round, err)
	}
	return nil
}

func initDB(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS game (
		id TEXT PRIMARY KEY,
		started_at DATETIME,
		options TEXT NOT NULL DEFAULT '{}',
		next_game TEXT REFERENCES game(id),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS player (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT,
		died_in_round INTEGER,
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, name)
	);
	CREATE TABLE IF NOT EXISTS action (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		done_by INTEGER NOT NULL,
		done_to INTEGER,
		FOREIGN KEY (game_id) REFERENCES game(id),
		FOREIGN KEY (done_by) REFERENCES player(id),
		FOREIGN KEY (done_to) REFERENCES player(id),
		UNIQUE(game_id, round, done_by)
	);
	CREATE INDEX IF NOT EXISTS idx_action_round ON action(game_id, round);
	CREATE TABLE IF NOT EXISTS round_outcome (
		game_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		phase TEXT NOT NULL,
		target INTEGER,
		victim INTEGER,
		reason TEXT NOT NULL,
		votes INTEGER NOT NULL DEFAULT 0,
		voters INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, round)
	);
	CREATE TABLE IF NOT EXISTS death_notice (
		game_id TEXT NOT NULL,
		player_id INTEGER NOT NULL,
		round INTEGER NOT NULL,
		text TEXT NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, player_id, round)
	);
	CREATE TABLE IF NOT EXISTS session (
		token INTEGER PRIMARY KEY,
		player_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (player_id) REFERENCES player(id)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		log.Error().Err(err).Msg("initDB")
		return err
	}
	log.Info().Msg("Database initialized successfully")
	return nil
}

// connectDB opens the SQLite database. File databases get WAL journaling,
// a busy timeout and immediate write transactions so that games on
// different locks can commit side by side; see sqliteDSN. Shared in-memory
// databases get a single connection, which also serializes reads.
func connectDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", sqliteDSN(dsn))
	if err != nil {
		return nil, err
	}
	if isMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// sqliteDSN fills in the connection parameters the engine relies on,
// keeping any the caller already set. Foreign keys are enforced everywhere.
func sqliteDSN(dsn string) string {
	path, rawQuery, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		log.Warn().Err(err).Msg("Database: unparsable DSN parameters left as given")
		return dsn
	}
	defaults := [][2]string{{"_foreign_keys", "1"}}
	if !isMemoryDSN(dsn) {
		defaults = append(defaults,
			[2]string{"_busy_timeout", "5000"},
			[2]string{"_journal_mode", "WAL"},
			[2]string{"_txlock", "immediate"},
		)
	}
	for _, kv := range defaults {
		if !params.Has(kv[0]) {
			params.Set(kv[0], kv[1])
		}
	}
	return path + "?" + params.Encode()
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") || strings.Contains(dsn, "mode=memory")
}
