package services

import "context"

// SoloLeader is the LeaderElection of a single-instance deployment.
type SoloLeader struct{}

func (SoloLeader) BecomeLeader(context.Context, string) (bool, error) { return true, nil }

func (SoloLeader) IsLeader(context.Context, string) (bool, error) { return true, nil }

func (SoloLeader) ReleaseLeadership(context.Context, string) error { return nil }
