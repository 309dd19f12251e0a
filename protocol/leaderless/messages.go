package leaderless

import "github.com/influxdata/consensus"

// MPreAccept proposes a command and the dependencies its coordinator knows.
type MPreAccept struct {
	Cmd  consensus.Command
	Deps []consensus.Dot
}

// MPreAcceptAck returns the dependencies an acceptor computed for a
// pre-accepted command. An acceptor that already accepted a value at a
// lower ballot reports that value instead.
type MPreAcceptAck struct {
	Deps      []consensus.Dot
	Status    consensus.Status
	AccBallot consensus.Ballot
	Cmd       consensus.Command
}

// MAccept asks acceptors to vote for a command and its final dependencies.
type MAccept struct {
	Cmd  consensus.Command
	Deps []consensus.Dot
}

// MAcceptAck is a vote for the value of an MAccept.
type MAcceptAck struct{}

// MCommit announces the decided value of an instance.
type MCommit struct {
	Cmd  consensus.Command
	Deps []consensus.Dot
}

// MPrepare starts recovery of an instance at a higher ballot.
type MPrepare struct{}

// MPrepareAck reports what an acceptor knows about an instance under
// recovery.
type MPrepareAck struct {
	Status    consensus.Status
	AccBallot consensus.Ballot
	HasCmd    bool
	Cmd       consensus.Command
	Deps      []consensus.Dot
	// Initial is set when Deps were pre-accepted in the initial ballot.
	Initial bool
}

// MStable tells another process how far its sender executed the instances
// of every process, and what the sender last heard from the receiver.
type MStable struct {
	Frontier []uint64
	Known    []uint64
}

func (MPreAccept) MessageType() string    { return "preaccept" }
func (MPreAcceptAck) MessageType() string { return "preaccept_ack" }
func (MAccept) MessageType() string       { return "accept" }
func (MAcceptAck) MessageType() string    { return "accept_ack" }
func (MCommit) MessageType() string       { return "commit" }
func (MPrepare) MessageType() string      { return "prepare" }
func (MPrepareAck) MessageType() string   { return "prepare_ack" }
func (MStable) MessageType() string       { return "stable" }
