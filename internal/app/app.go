package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"fleetledger/internal/config"
	"fleetledger/internal/database"
	"fleetledger/internal/encryption"
	"fleetledger/internal/fs"
	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
	"fleetledger/internal/vault"
)

// MetadataName is the vault metadata entry holding the database snapshot.
const MetadataName = "ledger.db"

// LedgerApp is the application layer between the CLI and the ledger Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string ids, and manages the DB lifecycle on Close.
type LedgerApp struct {
	cfg       *config.Config
	db        ledger.Database
	vault     ledger.Vault
	encryptor ledger.Encryptor
	service   *ledger.Service
	logger    ledger.Logger
	op        *Operation
	logFile   *os.File
}

// OptionsFromConfig translates the lease, blob and approval sections of cfg
// into service options. Empty fields keep the service defaults.
func OptionsFromConfig(cfg *config.Config) (ledger.Options, error) {
	def := ledger.DefaultOptions()
	opts := def

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"client_action_lease", cfg.Leases.ClientActionLease, &opts.ClientActionLease, def.ClientActionLease},
		{"flow_processing_lease", cfg.Leases.FlowProcessingLease, &opts.FlowProcessingLease, def.FlowProcessingLease},
		{"flow_lease", cfg.Leases.FlowLease, &opts.FlowLease, def.FlowLease},
		{"cron_lease", cfg.Leases.CronLease, &opts.CronLease, def.CronLease},
		{"default_expiry", cfg.Approvals.DefaultExpiry, &opts.Approvals.DefaultExpiry, def.Approvals.DefaultExpiry},
	}
	for _, d := range durations {
		v, err := config.ParseDuration(d.raw, d.def)
		if err != nil {
			return ledger.Options{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	if cfg.Leases.MaxClientActionLeases > 0 {
		opts.MaxClientActionLeases = cfg.Leases.MaxClientActionLeases
	}
	if cfg.Leases.MaxFlowProcessingLeases > 0 {
		opts.MaxFlowProcessingLeases = cfg.Leases.MaxFlowProcessingLeases
	}
	if cfg.Blobs.ChunkSize > 0 {
		opts.ChunkSize = cfg.Blobs.ChunkSize
	}

	opts.RequireClientApproval = cfg.Approvals.RequireClientApproval
	opts.Approvals.Client = ledger.SubjectPolicy{
		MinGrants:         cfg.Approvals.MinGrantsClient,
		AllowSelfApproval: cfg.Approvals.SelfApprovalClient,
	}
	opts.Approvals.Hunt = ledger.SubjectPolicy{
		MinGrants:         cfg.Approvals.MinGrantsHunt,
		AllowSelfApproval: cfg.Approvals.SelfApprovalHunt,
	}
	opts.Approvals.CronJob = ledger.SubjectPolicy{
		MinGrants:         cfg.Approvals.MinGrantsCronJob,
		AllowSelfApproval: cfg.Approvals.SelfApprovalCronJob,
	}
	return opts, nil
}

// NewLedgerApp creates a fully wired LedgerApp from the given config.
// operation identifies the CLI command being run (e.g. "StartHunt", "Grant")
// and username the operator running it. The caller must call Close when done.
func NewLedgerApp(ctx context.Context, cfg *config.Config, operation, username string) (*LedgerApp, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("reading options: %w", err)
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	// Check local DB version against the snapshot in the vault.
	if cfg.Database.Type != "memory" {
		remoteVersion, err := v.GetMetadataVersion(ctx, MetadataName)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("checking remote metadata version: %w", err)
		}

		localMax, err := db.MaxAuditOperationID(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("checking local metadata version: %w", err)
		}

		if remoteVersion > localMax {
			db.Close()
			return nil, fmt.Errorf("local database is behind remote (local=%d, remote=%d): restore from vault or re-initialize", localMax, remoteVersion)
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		db.Close()
		return nil, err
	}
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, level)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	svc := ledger.NewService(db, v, enc, logger, ledger.RealClock{}, ledger.UUIDGenerator{}, opts)

	return &LedgerApp{
		cfg:       cfg,
		db:        db,
		vault:     v,
		encryptor: enc,
		service:   svc,
		logger:    logger,
		op:        NewOperation(operation, "", username),
		logFile:   logFile,
	}, nil
}

// Service returns the underlying ledger service, for the long-running workers.
func (a *LedgerApp) Service() *ledger.Service { return a.service }

// Logger returns the application logger.
func (a *LedgerApp) Logger() ledger.Logger { return a.logger }

// Username returns the operator running the current operation.
func (a *LedgerApp) Username() string { return a.op.Username }

// persistOperation saves the operation to the audit log, giving it an auto-increment ID.
// This should only be called for DB-mutating commands.
func (a *LedgerApp) persistOperation(ctx context.Context, parameters string) error {
	if a.op.Persisted() {
		return nil // already persisted
	}
	a.op.Parameters = parameters
	dbOp, err := a.service.StartAuditOperation(ctx, a.op.Operation, parameters, a.op.Username)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// mutate runs fn as an audited operation.
func (a *LedgerApp) mutate(ctx context.Context, parameters string, fn func() error) error {
	if err := a.persistOperation(ctx, parameters); err != nil {
		return err
	}
	err := fn()
	a.op.Fail(err)
	return err
}

// Unlock unlocks the private key so encrypted blobs can be read.
func (a *LedgerApp) Unlock(passphrase string) error {
	return a.service.Unlock(passphrase)
}

// EncryptionEnabled reports whether blobs are sealed with an encryptor.
func (a *LedgerApp) EncryptionEnabled() bool {
	return a.encryptor != nil
}

// RegisterClient creates the client or records a ping from it.
func (a *LedgerApp) RegisterClient(ctx context.Context, rawID string) (*model.Client, error) {
	id, err := model.ParseClientID(rawID)
	if err != nil {
		return nil, err
	}
	var c *model.Client
	err = a.mutate(ctx, "client="+id.String(), func() error {
		c, err = a.service.RegisterClient(ctx, id)
		return err
	})
	return c, err
}

// ListClients returns every registered client with its labels.
func (a *LedgerApp) ListClients(ctx context.Context) ([]*model.Client, map[model.ClientID][]string, error) {
	clients, err := a.service.ListClients(ctx)
	if err != nil {
		return nil, nil, err
	}
	labels := make(map[model.ClientID][]string, len(clients))
	for _, c := range clients {
		l, err := a.service.ClientLabels(ctx, c.ID)
		if err != nil {
			return nil, nil, err
		}
		labels[c.ID] = l
	}
	return clients, labels, nil
}

// LabelClient attaches labels to a client, owned by the operator.
func (a *LedgerApp) LabelClient(ctx context.Context, rawID string, labels ...string) error {
	id, err := model.ParseClientID(rawID)
	if err != nil {
		return err
	}
	return a.mutate(ctx, fmt.Sprintf("client=%s labels=%v", id, labels), func() error {
		return a.service.AddClientLabels(ctx, id, a.op.Username, labels...)
	})
}

// UnlabelClient removes the operator's labels from a client.
func (a *LedgerApp) UnlabelClient(ctx context.Context, rawID string, labels ...string) error {
	id, err := model.ParseClientID(rawID)
	if err != nil {
		return err
	}
	return a.mutate(ctx, fmt.Sprintf("client=%s labels=%v", id, labels), func() error {
		return a.service.RemoveClientLabels(ctx, id, a.op.Username, labels...)
	})
}

// DeleteClient removes a client and everything recorded about it.
func (a *LedgerApp) DeleteClient(ctx context.Context, rawID string) error {
	id, err := model.ParseClientID(rawID)
	if err != nil {
		return err
	}
	return a.mutate(ctx, "client="+id.String(), func() error {
		return a.service.DeleteClient(ctx, id)
	})
}

// CreateFlow starts a flow of class flowClass on a client.
func (a *LedgerApp) CreateFlow(ctx context.Context, rawClient, flowClass, approvalID string, args []byte) (*model.Flow, error) {
	id, err := model.ParseClientID(rawClient)
	if err != nil {
		return nil, err
	}
	var flow *model.Flow
	err = a.mutate(ctx, fmt.Sprintf("client=%s class=%s", id, flowClass), func() error {
		flow, err = a.service.CreateFlow(ctx, ledger.FlowArgs{
			ClientID:     id,
			FlowClass:    flowClass,
			Creator:      a.op.Username,
			ApprovalID:   approvalID,
			InitialState: args,
		})
		return err
	})
	return flow, err
}

// ListFlows returns the flows of a client.
func (a *LedgerApp) ListFlows(ctx context.Context, rawClient string) ([]*model.Flow, error) {
	id, err := model.ParseClientID(rawClient)
	if err != nil {
		return nil, err
	}
	return a.service.ListFlows(ctx, id)
}

// CancelFlow asks a flow to terminate.
func (a *LedgerApp) CancelFlow(ctx context.Context, rawClient, rawFlow, reason string) error {
	client, err := model.ParseClientID(rawClient)
	if err != nil {
		return err
	}
	flow, err := model.ParseFlowID(rawFlow)
	if err != nil {
		return err
	}
	return a.mutate(ctx, fmt.Sprintf("client=%s flow=%s", client, flow), func() error {
		return a.service.RequestFlowTermination(ctx, client, flow, reason)
	})
}

// CreateHunt creates a paused hunt owned by the operator.
func (a *LedgerApp) CreateHunt(ctx context.Context, args ledger.HuntArgs) (*model.Hunt, error) {
	args.Creator = a.op.Username
	var hunt *model.Hunt
	err := a.mutate(ctx, fmt.Sprintf("class=%s rule=%q", args.FlowClass, args.ClientRule), func() error {
		var err error
		hunt, err = a.service.CreateHunt(ctx, args)
		return err
	})
	return hunt, err
}

// StartHunt starts a hunt under an approval held by the operator.
func (a *LedgerApp) StartHunt(ctx context.Context, rawHunt, approvalID string) error {
	id, err := model.ParseHuntID(rawHunt)
	if err != nil {
		return err
	}
	return a.mutate(ctx, fmt.Sprintf("hunt=%s approval=%s", id, approvalID), func() error {
		return a.service.StartHunt(ctx, id, a.op.Username, approvalID)
	})
}

// StopHunt stops a hunt.
func (a *LedgerApp) StopHunt(ctx context.Context, rawHunt, reason string) error {
	id, err := model.ParseHuntID(rawHunt)
	if err != nil {
		return err
	}
	return a.mutate(ctx, "hunt="+id.String(), func() error {
		return a.service.StopHunt(ctx, id, reason)
	})
}

// ListHunts returns all hunts.
func (a *LedgerApp) ListHunts(ctx context.Context) ([]*model.Hunt, error) {
	return a.service.ListHunts(ctx)
}

// HuntStatus summarizes a hunt's flows and results.
type HuntStatus struct {
	Hunt    *model.Hunt
	Flows   map[model.FlowState]int
	Results int
	Done    bool
}

// GetHuntStatus returns the hunt with its flow counts and result count.
func (a *LedgerApp) GetHuntStatus(ctx context.Context, rawHunt string) (*HuntStatus, error) {
	id, err := model.ParseHuntID(rawHunt)
	if err != nil {
		return nil, err
	}
	hunt, err := a.service.ReadHunt(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := a.service.CountHuntFlowsByState(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := a.service.CountHuntResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &HuntStatus{Hunt: hunt, Flows: counts, Results: results, Done: counts[model.FlowRunning] == 0}, nil
}

// ParseSubject builds an approval subject from its CLI form.
func ParseSubject(subjectType, subjectID string) (model.Subject, error) {
	t, err := model.ParseSubjectType(subjectType)
	if err != nil {
		return nil, err
	}
	return model.SubjectFrom(t, subjectID)
}

// RequestApproval asks the notified users to approve the operator's access to a subject.
func (a *LedgerApp) RequestApproval(ctx context.Context, subject model.Subject, reason string, notify []string) (*model.ApprovalRequest, error) {
	var req *model.ApprovalRequest
	err := a.mutate(ctx, fmt.Sprintf("subject=%s/%s", subject.Type(), subject.ID()), func() error {
		var err error
		req, err = a.service.RequestApproval(ctx, ledger.ApprovalArgs{
			Requestor:     a.op.Username,
			Subject:       subject,
			Reason:        reason,
			NotifiedUsers: notify,
		})
		return err
	})
	return req, err
}

// Grant records the operator's grant on requestor's approval.
func (a *LedgerApp) Grant(ctx context.Context, requestor, approvalID string) error {
	return a.mutate(ctx, fmt.Sprintf("requestor=%s approval=%s", requestor, approvalID), func() error {
		return a.service.Grant(ctx, requestor, approvalID, a.op.Username)
	})
}

// ListApprovals returns the operator's approval requests for one subject type.
func (a *LedgerApp) ListApprovals(ctx context.Context, subjectType string) ([]*model.ApprovalRequest, error) {
	t, err := model.ParseSubjectType(subjectType)
	if err != nil {
		return nil, err
	}
	return a.service.ListApprovals(ctx, a.op.Username, t)
}

// IsAuthorized reports whether the operator's approval currently authorizes access.
func (a *LedgerApp) IsAuthorized(ctx context.Context, approvalID string) (bool, error) {
	return a.service.IsAuthorized(ctx, a.op.Username, approvalID)
}

// Notifications returns the operator's pending notifications and marks them read.
func (a *LedgerApp) Notifications(ctx context.Context) ([]*model.Notification, error) {
	ns, err := a.service.ReadNotifications(ctx, a.op.Username, model.NotificationPending)
	if err != nil {
		return nil, err
	}
	if len(ns) == 0 {
		return nil, nil
	}
	if err := a.service.MarkNotificationsRead(ctx, a.op.Username); err != nil {
		return nil, err
	}
	return ns, nil
}

// PutFile stores a local file as a blob and records it under its hash.
func (a *LedgerApp) PutFile(ctx context.Context, path string) (model.BlobID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.BlobID{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var id model.BlobID
	err = a.mutate(ctx, "path="+path, func() error {
		id, err = a.service.PutBlob(ctx, data)
		if err != nil {
			return err
		}
		return a.service.PutHashReference(ctx, model.HashOf(data), id)
	})
	return id, err
}

// GetFile writes the blob or file with the given hex hash to outPath.
func (a *LedgerApp) GetFile(ctx context.Context, rawHash, outPath string) error {
	h, err := model.ParseHash(rawHash)
	if err != nil {
		return err
	}
	data, err := a.service.ReadFileByHash(ctx, h)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	return nil
}

// CollectDirectory records a local directory tree as OS paths of a client
// and stores its files as blobs.
func (a *LedgerApp) CollectDirectory(ctx context.Context, rawClient, dir string) (*fs.CollectStats, error) {
	id, err := model.ParseClientID(rawClient)
	if err != nil {
		return nil, err
	}
	collector := fs.NewCollector(a.service, a.logger, a.service, fs.CollectorConfig{
		MaxFileSize: a.cfg.Collect.MaxFileSize,
		Ignore:      a.cfg.Collect.Ignore,
	})
	var stats *fs.CollectStats
	err = a.mutate(ctx, fmt.Sprintf("client=%s dir=%s", id, dir), func() error {
		if _, err := a.service.ReadClient(ctx, id); err != nil {
			return err
		}
		stats, err = collector.Collect(ctx, id, dir)
		return err
	})
	return stats, err
}

// ListPath returns the entries of a client directory up to maxDepth levels down.
func (a *LedgerApp) ListPath(ctx context.Context, rawClient, p string, maxDepth int) ([]*model.ClientPath, error) {
	id, err := model.ParseClientID(rawClient)
	if err != nil {
		return nil, err
	}
	return a.service.ListDescendants(ctx, id, model.PathTypeOS, p, maxDepth)
}

// StatPath returns a client path with its latest stat and hash entries decoded.
func (a *LedgerApp) StatPath(ctx context.Context, rawClient, p string) (*model.PathInfo, map[string]any, map[string]any, error) {
	id, err := model.ParseClientID(rawClient)
	if err != nil {
		return nil, nil, nil, err
	}
	info, err := a.service.ReadPathInfo(ctx, id, model.PathTypeOS, p)
	if err != nil {
		return nil, nil, nil, err
	}
	var stat, hash map[string]any
	if info.Stat != nil {
		if stat, err = fs.DecodeEntry(info.Stat.StatEntry); err != nil {
			return nil, nil, nil, err
		}
	}
	if info.Hash != nil {
		if hash, err = fs.DecodeEntry(info.Hash.HashEntry); err != nil {
			return nil, nil, nil, err
		}
	}
	return info, stat, hash, nil
}

// CreateCronJob defines a periodic job.
func (a *LedgerApp) CreateCronJob(ctx context.Context, args ledger.CronJobArgs) (*model.CronJob, error) {
	var job *model.CronJob
	err := a.mutate(ctx, fmt.Sprintf("job=%s frequency=%s", args.ID, args.Frequency), func() error {
		var err error
		job, err = a.service.CreateCronJob(ctx, args)
		return err
	})
	return job, err
}

// ListCronJobs returns all cron jobs.
func (a *LedgerApp) ListCronJobs(ctx context.Context) ([]*model.CronJob, error) {
	return a.service.ListCronJobs(ctx)
}

// SetCronJobEnabled enables or disables a cron job.
func (a *LedgerApp) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	return a.mutate(ctx, fmt.Sprintf("job=%s enabled=%t", id, enabled), func() error {
		if enabled {
			return a.service.EnableCronJob(ctx, id)
		}
		return a.service.DisableCronJob(ctx, id)
	})
}

// ForceCronJob asks for a run of the job at the next lease round.
func (a *LedgerApp) ForceCronJob(ctx context.Context, id string) error {
	return a.mutate(ctx, "job="+id, func() error {
		return a.service.RequestForcedRun(ctx, id)
	})
}

// CronJobRuns returns a job's run history.
func (a *LedgerApp) CronJobRuns(ctx context.Context, id string) ([]*model.CronJobRun, error) {
	return a.service.ReadCronJobRuns(ctx, id)
}

// GetHistory returns the most recent audited operations.
func (a *LedgerApp) GetHistory(ctx context.Context, limit int) ([]*model.AuditOperation, error) {
	return a.service.GetHistory(ctx, limit)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the audit record, backs up the DB, and uploads to vault.
// For non-persisted operations: just closes the database.
func (a *LedgerApp) Close() error {
	ctx := context.Background()
	var firstErr error

	if a.op.Persisted() {
		// Finalize the operation record
		if err := a.service.FinishAuditOperation(ctx, a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}

		var tmpPath string
		if a.cfg.Database.Type != "memory" {
			tmpPath, firstErr = a.snapshot(firstErr)
		}

		// Close the database
		if err := a.db.Close(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("closing database: %w", err)
			}
		}

		// Upload DB snapshot to vault with version = operation ID
		if tmpPath != "" {
			if err := a.uploadMetadata(ctx, tmpPath, a.op.ID); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
			os.Remove(tmpPath)
		}
	} else {
		// Non-mutating operation: just close the database, no upload
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// snapshot copies the DB to a temp file. It returns "" when no snapshot was taken.
func (a *LedgerApp) snapshot(firstErr error) (string, error) {
	tmpFile, err := os.CreateTemp("", "ledger-db-backup-*.db")
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("creating temp file for db backup: %w", err)
		}
		return "", firstErr
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	if err := a.db.BackupTo(tmpPath); err != nil {
		os.Remove(tmpPath)
		if firstErr == nil {
			firstErr = fmt.Errorf("backing up database: %w", err)
		}
		return "", firstErr
	}
	return tmpPath, firstErr
}

// uploadMetadata opens the temp DB file and uploads it to the vault as metadata.
func (a *LedgerApp) uploadMetadata(ctx context.Context, path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}

	if err := a.vault.PutMetadata(ctx, MetadataName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading metadata to vault: %w", err)
	}

	return nil
}
