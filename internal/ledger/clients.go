package ledger

import (
	"context"
	"fmt"
	"time"

	"fleetledger/internal/model"
)

// RegisterClient records a client the first time it is seen. Registering an
// existing client only refreshes its ping time.
func (s *Service) RegisterClient(ctx context.Context, id model.ClientID) (*model.Client, error) {
	now := s.clock.Now()
	if err := s.database.WriteClientMetadata(ctx, id, now, &now); err != nil {
		return nil, fmt.Errorf("writing client metadata: %w", err)
	}
	return s.ReadClient(ctx, id)
}

// Ping refreshes a client's last ping time.
func (s *Service) Ping(ctx context.Context, id model.ClientID) error {
	client, err := s.ReadClient(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.database.WriteClientMetadata(ctx, id, client.FirstSeen, &now); err != nil {
		return fmt.Errorf("writing client ping: %w", err)
	}
	return nil
}

// ReadClient returns the client or ErrUnknownClient.
func (s *Service) ReadClient(ctx context.Context, id model.ClientID) (*model.Client, error) {
	client, err := s.database.ReadClient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading client: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return client, nil
}

// ListClients returns all registered clients.
func (s *Service) ListClients(ctx context.Context) ([]*model.Client, error) {
	clients, err := s.database.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	return clients, nil
}

// DeleteClient removes a client and everything scoped under it.
func (s *Service) DeleteClient(ctx context.Context, id model.ClientID) error {
	if err := s.database.DeleteClient(ctx, id); err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	s.logger.Info("client deleted", "client", id.String())
	return nil
}

// AddClientLabels attaches labels owned by owner.
func (s *Service) AddClientLabels(ctx context.Context, id model.ClientID, owner string, labels ...string) error {
	if err := s.database.AddClientLabels(ctx, id, owner, labels); err != nil {
		return fmt.Errorf("adding client labels: %w", err)
	}
	return nil
}

// RemoveClientLabels detaches labels owned by owner.
func (s *Service) RemoveClientLabels(ctx context.Context, id model.ClientID, owner string, labels ...string) error {
	if err := s.database.RemoveClientLabels(ctx, id, owner, labels); err != nil {
		return fmt.Errorf("removing client labels: %w", err)
	}
	return nil
}

// ClientLabels returns the distinct label names of a client.
func (s *Service) ClientLabels(ctx context.Context, id model.ClientID) ([]string, error) {
	labels, err := s.database.ReadClientLabels(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading client labels: %w", err)
	}
	seen := make(map[string]bool, len(labels))
	var names []string
	for _, l := range labels {
		if !seen[l.Name] {
			seen[l.Name] = true
			names = append(names, l.Name)
		}
	}
	return names, nil
}

// WriteClientHistory appends a snapshot, startup or crash record. The client's
// latest pointer for that kind only moves forward in time.
func (s *Service) WriteClientHistory(ctx context.Context, id model.ClientID, kind model.HistoryKind, ts time.Time, data []byte) error {
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	entry := &model.ClientHistoryEntry{ClientID: id, Kind: kind, Timestamp: ts, Data: data}
	if err := s.database.WriteClientHistory(ctx, entry); err != nil {
		return fmt.Errorf("writing client %s: %w", kind, err)
	}
	return nil
}

// ReadClientHistory returns one history table of a client, oldest first.
func (s *Service) ReadClientHistory(ctx context.Context, id model.ClientID, kind model.HistoryKind) ([]*model.ClientHistoryEntry, error) {
	entries, err := s.database.ReadClientHistory(ctx, id, kind)
	if err != nil {
		return nil, fmt.Errorf("reading client %s history: %w", kind, err)
	}
	return entries, nil
}

// WriteClientSnapshot records a client snapshot taken at ts.
func (s *Service) WriteClientSnapshot(ctx context.Context, id model.ClientID, ts time.Time, data []byte) error {
	return s.WriteClientHistory(ctx, id, model.HistorySnapshot, ts, data)
}

// WriteClientStartupInfo records a client startup at ts.
func (s *Service) WriteClientStartupInfo(ctx context.Context, id model.ClientID, ts time.Time, data []byte) error {
	return s.WriteClientHistory(ctx, id, model.HistoryStartup, ts, data)
}

// WriteClientCrashInfo records a client crash at ts.
func (s *Service) WriteClientCrashInfo(ctx context.Context, id model.ClientID, ts time.Time, data []byte) error {
	return s.WriteClientHistory(ctx, id, model.HistoryCrash, ts, data)
}
