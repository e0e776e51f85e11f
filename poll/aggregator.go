// Package poll tallies votes and counters for one room.
package poll

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidVote  = errors.New("poll id and answer are required")
	ErrInvalidDelta = errors.New("counter delta must be a number")
)

// DefaultCounter is used when a counter message carries no id.
const DefaultCounter = "default"

// Kind selects the vote store.
type Kind int

const (
	// Persistent votes outlive the voter's session.
	Persistent Kind = iota
	// Ephemeral votes are dropped when the voting session disconnects.
	Ephemeral
)

// Snapshot is the tally of one poll.
type Snapshot struct {
	ID    string         `json:"id"`
	Stats map[string]int `json:"stats"`
}

// CounterValue is the running value of one counter.
type CounterValue struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// State is the persistent part of an Aggregator.
type State struct {
	Polls    map[string]map[string][]string `json:"polls"`
	Counters map[string]float64             `json:"counters"`
}

type buckets map[string]map[string]map[string]struct{}

// Aggregator holds poll buckets (poll -> answer -> voters) and counters.
// It is not safe for concurrent use.
type Aggregator struct {
	polls     buckets
	ephemeral buckets
	counters  map[string]float64
}

func New() *Aggregator {
	return &Aggregator{
		polls:     make(buckets),
		ephemeral: make(buckets),
		counters:  make(map[string]float64),
	}
}

func (a *Aggregator) store(kind Kind) buckets {
	if kind == Ephemeral {
		return a.ephemeral
	}
	return a.polls
}

// CastVote moves voter to answer, out of every other answer of pollID.
func (a *Aggregator) CastVote(kind Kind, pollID, answer, voter string) (Snapshot, error) {
	if pollID == "" || answer == "" || voter == "" {
		return Snapshot{}, ErrInvalidVote
	}
	b := a.store(kind)
	answers, ok := b[pollID]
	if !ok {
		answers = make(map[string]map[string]struct{})
		b[pollID] = answers
	}
	for other, voters := range answers {
		if other == answer {
			continue
		}
		delete(voters, voter)
		if len(voters) == 0 {
			delete(answers, other)
		}
	}
	voters, ok := answers[answer]
	if !ok {
		voters = make(map[string]struct{})
		answers[answer] = voters
	}
	voters[voter] = struct{}{}
	return snapshot(pollID, answers), nil
}

// ClearEphemeralVotes removes voter from every ephemeral poll and returns the
// fresh tallies of the polls that changed, ordered by id. A poll left without
// any answer is dropped once its final, empty tally has been taken.
func (a *Aggregator) ClearEphemeralVotes(voter string) []Snapshot {
	var affected []Snapshot
	for pollID, answers := range a.ephemeral {
		changed := false
		for answer, voters := range answers {
			if _, ok := voters[voter]; !ok {
				continue
			}
			delete(voters, voter)
			changed = true
			if len(voters) == 0 {
				delete(answers, answer)
			}
		}
		if !changed {
			continue
		}
		affected = append(affected, snapshot(pollID, answers))
		if len(answers) == 0 {
			delete(a.ephemeral, pollID)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })
	return affected
}

// Snapshot tallies one poll. ok is false when the poll has never been voted on.
func (a *Aggregator) Snapshot(kind Kind, pollID string) (Snapshot, bool) {
	answers, ok := a.store(kind)[pollID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(pollID, answers), true
}

// Snapshots tallies every poll of kind, ordered by id.
func (a *Aggregator) Snapshots(kind Kind) []Snapshot {
	b := a.store(kind)
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, snapshot(id, b[id]))
	}
	return out
}

// PollCount is the number of polls of kind.
func (a *Aggregator) PollCount(kind Kind) int { return len(a.store(kind)) }

func snapshot(pollID string, answers map[string]map[string]struct{}) Snapshot {
	stats := make(map[string]int, len(answers))
	for answer, voters := range answers {
		if len(voters) > 0 {
			stats[answer] = len(voters)
		}
	}
	return Snapshot{ID: pollID, Stats: stats}
}

// AdjustCounter adds delta to counterID. An empty id means DefaultCounter and
// an absent delta means 1; a delta that is not a JSON number is rejected.
func (a *Aggregator) AdjustCounter(counterID string, delta json.RawMessage) (CounterValue, error) {
	d, err := ParseDelta(delta)
	if err != nil {
		return CounterValue{}, err
	}
	if counterID == "" {
		counterID = DefaultCounter
	}
	a.counters[counterID] += d
	return CounterValue{ID: counterID, Value: a.counters[counterID]}, nil
}

// ParseDelta decodes a counter delta.
func ParseDelta(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 1, nil
	}
	var d float64
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDelta, raw)
	}
	return d, nil
}

// Counter returns the current value of counterID.
func (a *Aggregator) Counter(counterID string) (CounterValue, bool) {
	v, ok := a.counters[counterID]
	return CounterValue{ID: counterID, Value: v}, ok
}

// Counters lists every counter, ordered by id.
func (a *Aggregator) Counters() []CounterValue {
	ids := make([]string, 0, len(a.counters))
	for id := range a.counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]CounterValue, 0, len(ids))
	for _, id := range ids {
		out = append(out, CounterValue{ID: id, Value: a.counters[id]})
	}
	return out
}

// Export returns the persistent polls and the counters.
func (a *Aggregator) Export() State {
	st := State{
		Polls:    make(map[string]map[string][]string, len(a.polls)),
		Counters: make(map[string]float64, len(a.counters)),
	}
	for pollID, answers := range a.polls {
		out := make(map[string][]string, len(answers))
		for answer, voters := range answers {
			list := make([]string, 0, len(voters))
			for v := range voters {
				list = append(list, v)
			}
			sort.Strings(list)
			out[answer] = list
		}
		st.Polls[pollID] = out
	}
	for id, v := range a.counters {
		st.Counters[id] = v
	}
	return st
}

// Import replaces the persistent polls and the counters with st.
func (a *Aggregator) Import(st State) {
	a.polls = make(buckets, len(st.Polls))
	for pollID, answers := range st.Polls {
		in := make(map[string]map[string]struct{}, len(answers))
		for answer, voters := range answers {
			if len(voters) == 0 {
				continue
			}
			set := make(map[string]struct{}, len(voters))
			for _, v := range voters {
				set[v] = struct{}{}
			}
			in[answer] = set
		}
		a.polls[pollID] = in
	}
	a.counters = make(map[string]float64, len(st.Counters))
	for id, v := range st.Counters {
		a.counters[id] = v
	}
}
