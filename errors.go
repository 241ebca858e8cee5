package main

import "errors"

// Errors returned by engine operations. None are retried internally; a
// failed operation leaves the roster and the action ledger untouched.
var (
	ErrNotLeader      = errors.New("only the first player in the game can do that")
	ErrAlreadyStarted = errors.New("game already started")
	ErrNotStarted     = errors.New("game has not started")
	ErrDuplicateName  = errors.New("there's already a player with that name")
	ErrUnknownGame    = errors.New("unknown game")
	ErrUnknownPlayer  = errors.New("unknown player")
	ErrForeignPlayer  = errors.New("that player's not in this game")
	ErrEmptyRoster    = errors.New("game has no players")

	// ErrStaleRound is a warning rather than a failure: the submission was
	// for a round that already closed and nothing was recorded.
	ErrStaleRound = errors.New("that round is already over")

	ErrInvalidName    = errors.New("name must be 1-12 characters")
	ErrInvalidOptions = errors.New("invalid game options")
	ErrInvalidRound   = errors.New("invalid round")
	ErrTargetDead     = errors.New("cannot target a dead player")
	ErrGameOver       = errors.New("game is over")
)
