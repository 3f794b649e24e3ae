package raft

import "errors"

var (
	// ErrCollaboratorContractViolation marks a bug in a collaborator (Cluster or
	// StateMachine), not a runtime condition. These are fatal: the replica
	// has no recovery path for a collaborator that lies about its own state.
	ErrCollaboratorContractViolation = errors.New("raft: collaborator contract violation")
)
