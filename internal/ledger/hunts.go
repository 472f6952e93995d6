package ledger

import (
	"context"
	"fmt"
	"time"

	"fleetledger/internal/model"
)

// HuntArgs describes a hunt to create.
type HuntArgs struct {
	Creator     string
	Description string
	Duration    time.Duration
	ClientRate  float64
	ClientLimit uint32
	FlowClass   string
	FlowArgs    []byte
	ClientRule  string
}

// CreateHunt creates a paused hunt.
func (s *Service) CreateHunt(ctx context.Context, args HuntArgs) (*model.Hunt, error) {
	if args.ClientRate < 0 {
		return nil, fmt.Errorf("client rate must not be negative: %v", args.ClientRate)
	}
	now := s.clock.Now()
	hunt := &model.Hunt{
		ID:             model.HuntID(s.idgen.NewUint64()),
		Creator:        args.Creator,
		Description:    args.Description,
		Duration:       args.Duration,
		ClientRate:     args.ClientRate,
		ClientLimit:    args.ClientLimit,
		State:          model.HuntPaused,
		FlowClass:      args.FlowClass,
		FlowArgs:       args.FlowArgs,
		ClientRule:     args.ClientRule,
		CreateTime:     now,
		LastUpdateTime: now,
	}
	if err := s.database.WriteHunt(ctx, hunt); err != nil {
		return nil, fmt.Errorf("writing hunt: %w", err)
	}
	s.logger.Info("hunt created", "hunt", hunt.ID.String(), "creator", hunt.Creator)
	return hunt, nil
}

// ReadHunt returns the hunt or ErrUnknownHunt.
func (s *Service) ReadHunt(ctx context.Context, id model.HuntID) (*model.Hunt, error) {
	hunt, err := s.database.ReadHunt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading hunt: %w", err)
	}
	if hunt == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHunt, id)
	}
	return hunt, nil
}

// ListHunts returns all hunts, newest first.
func (s *Service) ListHunts(ctx context.Context) ([]*model.Hunt, error) {
	hunts, err := s.database.ListHunts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing hunts: %w", err)
	}
	return hunts, nil
}

// StartHunt moves a paused hunt to started once user holds an authorized
// approval for it.
func (s *Service) StartHunt(ctx context.Context, id model.HuntID, user, approvalID string) error {
	if s.opts.Approvals.Hunt.MinGrants > 0 {
		if err := s.CheckApproval(ctx, user, approvalID, model.HuntSubject{HuntID: id}); err != nil {
			return err
		}
	}
	if err := s.transitionHunt(ctx, id, []model.HuntState{model.HuntPaused}, model.HuntStarted, "started by "+user); err != nil {
		return err
	}
	s.logger.Info("hunt started", "hunt", id.String(), "user", user)
	return nil
}

// StopHunt stops a hunt for good and asks its running flows to terminate.
func (s *Service) StopHunt(ctx context.Context, id model.HuntID, reason string) error {
	from := []model.HuntState{model.HuntPaused, model.HuntStarted}
	if err := s.transitionHunt(ctx, id, from, model.HuntStopped, reason); err != nil {
		return err
	}
	flows, err := s.database.ListHuntFlows(ctx, id)
	if err != nil {
		return fmt.Errorf("listing hunt flows: %w", err)
	}
	for _, f := range flows {
		if f.State.Terminal() {
			continue
		}
		if err := s.RequestFlowTermination(ctx, f.ClientID, f.FlowID, "hunt stopped"); err != nil {
			return err
		}
	}
	s.logger.Info("hunt stopped", "hunt", id.String(), "flows", len(flows))
	return nil
}

// CompleteHunt marks a started hunt as completed. Flows already running continue.
func (s *Service) CompleteHunt(ctx context.Context, id model.HuntID, comment string) error {
	if err := s.transitionHunt(ctx, id, []model.HuntState{model.HuntStarted}, model.HuntCompleted, comment); err != nil {
		return err
	}
	s.logger.Info("hunt completed", "hunt", id.String())
	return nil
}

func (s *Service) transitionHunt(ctx context.Context, id model.HuntID, from []model.HuntState, to model.HuntState, comment string) error {
	ok, err := s.database.UpdateHuntState(ctx, id, from, to, comment, s.clock.Now())
	if err != nil {
		return fmt.Errorf("updating hunt state: %w", err)
	}
	if ok {
		return nil
	}
	hunt, err := s.ReadHunt(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, can not move to %s", ErrInvalidHuntState, id, hunt.State, to)
}

// DeleteHunt removes a hunt, its flows and its approvals.
func (s *Service) DeleteHunt(ctx context.Context, id model.HuntID) error {
	if err := s.database.DeleteHunt(ctx, id); err != nil {
		return fmt.Errorf("deleting hunt: %w", err)
	}
	s.logger.Info("hunt deleted", "hunt", id.String())
	return nil
}

// CreateHuntFlow starts the hunt's flow on one client. Approval is carried by
// the hunt itself.
func (s *Service) CreateHuntFlow(ctx context.Context, hunt *model.Hunt, client model.ClientID) (*model.Flow, error) {
	huntID := hunt.ID
	return s.CreateFlow(ctx, FlowArgs{
		ClientID:     client,
		ParentHuntID: &huntID,
		FlowClass:    hunt.FlowClass,
		Creator:      hunt.Creator,
		InitialState: hunt.FlowArgs,
	})
}

// ListHuntFlows returns the flows created under a hunt.
func (s *Service) ListHuntFlows(ctx context.Context, id model.HuntID) ([]*model.Flow, error) {
	flows, err := s.database.ListHuntFlows(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing hunt flows: %w", err)
	}
	return flows, nil
}

// CountHuntFlowsByState counts a hunt's flows per state.
func (s *Service) CountHuntFlowsByState(ctx context.Context, id model.HuntID) (map[model.FlowState]int, error) {
	counts, err := s.database.CountHuntFlowsByState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("counting hunt flows: %w", err)
	}
	return counts, nil
}

// IsHuntDone reports whether no flow of the hunt is still running.
func (s *Service) IsHuntDone(ctx context.Context, id model.HuntID) (bool, error) {
	counts, err := s.CountHuntFlowsByState(ctx, id)
	if err != nil {
		return false, err
	}
	return counts[model.FlowRunning] == 0, nil
}

// ReadHuntResults pages the results of all flows of a hunt.
func (s *Service) ReadHuntResults(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowResult, error) {
	results, err := s.database.ReadHuntResults(ctx, id, offset, count)
	if err != nil {
		return nil, fmt.Errorf("reading hunt results: %w", err)
	}
	return results, nil
}

// CountHuntResults counts the results of a hunt.
func (s *Service) CountHuntResults(ctx context.Context, id model.HuntID) (int, error) {
	n, err := s.database.CountHuntResults(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("counting hunt results: %w", err)
	}
	return n, nil
}

// ReadHuntErrors pages the errors of all flows of a hunt.
func (s *Service) ReadHuntErrors(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowErrorEntry, error) {
	errs, err := s.database.ReadHuntErrors(ctx, id, offset, count)
	if err != nil {
		return nil, fmt.Errorf("reading hunt errors: %w", err)
	}
	return errs, nil
}

// ReadHuntLog pages the log lines of all flows of a hunt.
func (s *Service) ReadHuntLog(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowLogEntry, error) {
	entries, err := s.database.ReadHuntLogEntries(ctx, id, offset, count)
	if err != nil {
		return nil, fmt.Errorf("reading hunt log: %w", err)
	}
	return entries, nil
}
