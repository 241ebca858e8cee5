package main

import (
	"slices"
)

// Outcome reasons stored with each resolved round.
const (
	ReasonMajority      = "majority"
	ReasonConsensus     = "consensus"
	ReasonNoMajority    = "no_majority"
	ReasonNoVotes       = "no_votes"
	ReasonNightKill     = "night_kill"
	ReasonProtected     = "protected"
	ReasonSplitDecision = "split_decision"
)

func livingByID(players []Player) map[int64]Player {
	alive := make(map[int64]Player, len(players))
	for _, p := range players {
		if p.IsAlive() {
			alive[p.ID] = p
		}
	}
	return alive
}

// tallyVotes counts the targets named by living voters that pass eligible.
// Votes for players who are already dead are ignored.
func tallyVotes(actions []Action, alive map[int64]Player, eligible func(Player) bool) map[int64]int {
	counts := make(map[int64]int)
	for _, a := range actions {
		voter, ok := alive[a.DoneBy]
		if !ok || !eligible(voter) || a.DoneTo == nil {
			continue
		}
		if _, ok := alive[*a.DoneTo]; !ok {
			continue
		}
		counts[*a.DoneTo]++
	}
	return counts
}

// topVoted returns the highest vote count and every candidate holding it,
// in ascending player id order.
func topVoted(counts map[int64]int) (int, []int64) {
	var maxVotes int
	var leaders []int64
	for id, n := range counts {
		switch {
		case n > maxVotes:
			maxVotes = n
			leaders = []int64{id}
		case n == maxVotes:
			leaders = append(leaders, id)
		}
	}
	slices.Sort(leaders)
	return maxVotes, leaders
}

// protagonistConsensus reports the target every living non-Mafia player
// voted for, if they all agree. An abstention breaks the consensus.
func protagonistConsensus(actions []Action, alive map[int64]Player) (int64, bool) {
	votes := make(map[int64]*int64, len(actions))
	for _, a := range actions {
		votes[a.DoneBy] = a.DoneTo
	}

	var target int64
	seen := false
	for id, p := range alive {
		if p.RoleOf().IsAntagonist() {
			continue
		}
		vote := votes[id]
		if vote == nil {
			return 0, false
		}
		if _, ok := alive[*vote]; !ok {
			return 0, false
		}
		if seen && *vote != target {
			return 0, false
		}
		target = *vote
		seen = true
	}
	return target, seen
}

// resolveDay applies the day rule to a closed round: the top-voted nominee
// is eliminated on a strict majority of the living, or when every living
// protagonist voted for them. On a tied top the protagonists' consensus
// pick is the nominee, otherwise the lowest player id.
func resolveDay(round int, players []Player, actions []Action) RoundOutcome {
	alive := livingByID(players)
	outcome := RoundOutcome{Round: round, Phase: PhaseDay, Voters: len(alive)}

	counts := tallyVotes(actions, alive, func(Player) bool { return true })
	if len(counts) == 0 {
		outcome.Reason = ReasonNoVotes
		return outcome
	}

	top, leaders := topVoted(counts)
	consensus, agreed := protagonistConsensus(actions, alive)

	nominee := leaders[0]
	if agreed && slices.Contains(leaders, consensus) {
		nominee = consensus
	}
	outcome.Target = &nominee
	outcome.Votes = counts[nominee]

	switch {
	case len(leaders) == 1 && 2*top > len(alive):
		outcome.Reason = ReasonMajority
	case agreed && consensus == nominee:
		outcome.Reason = ReasonConsensus
	default:
		outcome.Reason = ReasonNoMajority
		return outcome
	}

	victim := nominee
	outcome.Victim = &victim
	return outcome
}
