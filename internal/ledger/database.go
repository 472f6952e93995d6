package ledger

import (
	"context"
	"time"

	"fleetledger/internal/model"
)

// Database is the durable store behind the ledger. Every lease acquisition is a
// single conditional update; every multi-row mutation runs in one transaction.
// Lookups that find nothing return (nil, nil).
type Database interface {
	ClientStore
	FlowStore
	HuntStore
	ApprovalStore
	BlobIndex
	PathIndex
	CronStore
	AuditLog

	// CheckMigrations verifies the schema is up to date.
	CheckMigrations() error

	// BackupTo writes a consistent copy of the database to destPath.
	BackupTo(destPath string) error

	// Close closes the database connection.
	Close() error
}

// ClientStore holds client identity, labels and history.
type ClientStore interface {
	// WriteClientMetadata creates the client or updates its ping time.
	WriteClientMetadata(ctx context.Context, id model.ClientID, firstSeen time.Time, lastPing *time.Time) error
	ReadClient(ctx context.Context, id model.ClientID) (*model.Client, error)
	ListClients(ctx context.Context) ([]*model.Client, error)

	// DeleteClient removes the client and everything scoped under it, including
	// approvals whose subject is the client. Returns ErrUnknownClient if absent.
	DeleteClient(ctx context.Context, id model.ClientID) error

	AddClientLabels(ctx context.Context, id model.ClientID, owner string, labels []string) error
	RemoveClientLabels(ctx context.Context, id model.ClientID, owner string, labels []string) error
	ReadClientLabels(ctx context.Context, id model.ClientID) ([]model.ClientLabel, error)

	// WriteClientHistory appends a history row and moves the matching latest
	// pointer only if entry is newer than the current pointer.
	WriteClientHistory(ctx context.Context, entry *model.ClientHistoryEntry) error
	ReadClientHistory(ctx context.Context, id model.ClientID, kind model.HistoryKind) ([]*model.ClientHistoryEntry, error)
}

// WriteResponseResult reports what writing one response did to its request.
type WriteResponseResult struct {
	// Duplicate is set when the response slot was already filled.
	Duplicate bool
	// NeedsProcessing is the request's state after the write.
	NeedsProcessing bool
	// Completed is set only by the write that flipped the request to needs-processing.
	Completed bool
	// Enqueued is set when a flow processing request was written for the flow.
	Enqueued bool
}

// LeaseParams describes one lease acquisition round.
type LeaseParams struct {
	Owner     string
	Now       time.Time
	Duration  time.Duration
	Limit     int
	MaxLeases int // 0 disables the retry budget
}

// FlowStore holds flows, their requests and responses, and the two lease queues.
type FlowStore interface {
	WriteFlow(ctx context.Context, flow *model.Flow) error
	ReadFlow(ctx context.Context, client model.ClientID, flow model.FlowID) (*model.Flow, error)
	ListFlows(ctx context.Context, client model.ClientID) ([]*model.Flow, error)
	ListChildFlows(ctx context.Context, client model.ClientID, parent model.FlowID) ([]*model.Flow, error)
	UpdateFlowState(ctx context.Context, client model.ClientID, flow model.FlowID, state model.FlowState, errMsg string, now time.Time) error
	RequestFlowTermination(ctx context.Context, client model.ClientID, flow model.FlowID, reason string, now time.Time) error

	// LeaseFlowForProcessing claims the flow for the flow engine. A flow already
	// leased by someone else yields (nil, nil).
	LeaseFlowForProcessing(ctx context.Context, client model.ClientID, flow model.FlowID, owner string, now time.Time, duration time.Duration) (*model.Flow, error)

	// ReleaseProcessedFlow stores the flow's new state and clears its lease unless
	// the request at NextRequestToProcess already needs processing, in which case
	// it returns false and the lease is kept.
	ReleaseProcessedFlow(ctx context.Context, flow *model.Flow, now time.Time) (bool, error)

	// WriteFlowRequest writes a request and, when action is not nil, the client
	// action request delivering it, in one transaction.
	WriteFlowRequest(ctx context.Context, req *model.FlowRequest, action *model.ClientActionRequest) error
	ReadFlowRequest(ctx context.Context, client model.ClientID, flow model.FlowID, id model.RequestID) (*model.FlowRequest, error)
	WriteFlowResponse(ctx context.Context, resp *model.FlowResponse) (*WriteResponseResult, error)
	ReadFlowResponses(ctx context.Context, client model.ClientID, flow model.FlowID, id model.RequestID) ([]*model.FlowResponse, error)

	// ReadRequestsReadyForProcessing returns the contiguous run of requests that
	// need processing, starting at next.
	ReadRequestsReadyForProcessing(ctx context.Context, client model.ClientID, flow model.FlowID, next model.RequestID) ([]*model.RequestWithResponses, error)
	DeleteFlowRequests(ctx context.Context, client model.ClientID, flow model.FlowID, ids []model.RequestID) error

	// LeaseClientActionRequests leases outstanding client action requests of one
	// client. Rows that already used their retry budget are deleted, failed with
	// a terminal status and returned as exhausted instead.
	LeaseClientActionRequests(ctx context.Context, client model.ClientID, p LeaseParams) (leased, exhausted []*model.ClientActionRequest, err error)
	ReadClientActionRequests(ctx context.Context, client model.ClientID) ([]*model.ClientActionRequest, error)
	DeleteClientActionRequest(ctx context.Context, client model.ClientID, flow model.FlowID, id model.RequestID) error

	WriteFlowProcessingRequest(ctx context.Context, req *model.FlowProcessingRequest) error
	LeaseFlowProcessingRequests(ctx context.Context, p LeaseParams) (leased, exhausted []*model.FlowProcessingRequest, err error)
	AckFlowProcessingRequests(ctx context.Context, reqs []*model.FlowProcessingRequest) error
	ReadFlowProcessingRequests(ctx context.Context) ([]*model.FlowProcessingRequest, error)

	WriteFlowResults(ctx context.Context, results []*model.FlowResult) error
	WriteFlowErrors(ctx context.Context, errs []*model.FlowErrorEntry) error
	WriteFlowLogEntries(ctx context.Context, entries []*model.FlowLogEntry) error
	ReadFlowResults(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowResult, error)
	ReadFlowErrors(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowErrorEntry, error)
	ReadFlowLogEntries(ctx context.Context, client model.ClientID, flow model.FlowID, offset, count int) ([]*model.FlowLogEntry, error)
}

// HuntStore holds hunts and their by-hunt result indexes.
type HuntStore interface {
	WriteHunt(ctx context.Context, hunt *model.Hunt) error
	ReadHunt(ctx context.Context, id model.HuntID) (*model.Hunt, error)
	ListHunts(ctx context.Context) ([]*model.Hunt, error)

	// UpdateHuntState moves the hunt to state "to" only if it is currently in one
	// of "from". Returns false when the hunt was in another state.
	UpdateHuntState(ctx context.Context, id model.HuntID, from []model.HuntState, to model.HuntState, comment string, now time.Time) (bool, error)

	// DeleteHunt removes the hunt, its child flows and its approvals.
	DeleteHunt(ctx context.Context, id model.HuntID) error

	ListHuntFlows(ctx context.Context, id model.HuntID) ([]*model.Flow, error)
	CountHuntFlowsByState(ctx context.Context, id model.HuntID) (map[model.FlowState]int, error)
	ReadHuntResults(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowResult, error)
	CountHuntResults(ctx context.Context, id model.HuntID) (int, error)
	ReadHuntErrors(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowErrorEntry, error)
	ReadHuntLogEntries(ctx context.Context, id model.HuntID, offset, count int) ([]*model.FlowLogEntry, error)
}

// ApprovalStore holds users, approval requests, grants and notifications.
type ApprovalStore interface {
	WriteUser(ctx context.Context, username string) error
	ReadUser(ctx context.Context, hash model.UsernameHash) (*model.User, error)

	WriteApprovalRequest(ctx context.Context, req *model.ApprovalRequest) error
	// ReadApprovalRequest returns the request with all its grants.
	ReadApprovalRequest(ctx context.Context, requestor model.UsernameHash, id string) (*model.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, requestor model.UsernameHash, subject model.Subject) ([]*model.ApprovalRequest, error)
	// GrantApproval appends a grant row. Returns ErrApprovalNotFound if the request is absent.
	GrantApproval(ctx context.Context, requestor model.UsernameHash, id string, grantor string, ts time.Time) error

	WriteNotification(ctx context.Context, n *model.Notification) error
	ReadNotifications(ctx context.Context, user model.UsernameHash, state model.NotificationState) ([]*model.Notification, error)
	UpdateNotificationState(ctx context.Context, user model.UsernameHash, ts time.Time, state model.NotificationState) error
}

// BlobIndex holds blob manifests, hash references and encryption key associations.
// Chunk bytes live in the Vault.
type BlobIndex interface {
	BlobsExist(ctx context.Context, ids []model.BlobID) (map[model.BlobID]bool, error)
	// WriteBlobManifest records a fully uploaded blob. Writing an existing blob is a no-op.
	WriteBlobManifest(ctx context.Context, manifest *model.BlobManifest, key *model.BlobEncryptionKey) error
	ReadBlobManifest(ctx context.Context, id model.BlobID) (*model.BlobManifest, error)
	ReadBlobEncryptionKey(ctx context.Context, id model.BlobID) (*model.BlobEncryptionKey, error)

	WriteHashBlobReferences(ctx context.Context, hash model.Hash, refs []model.BlobReference) error
	ReadHashBlobReferences(ctx context.Context, hash model.Hash) ([]model.BlobReference, error)
}

// PathWrite is one stat or hash observation of a client path.
type PathWrite struct {
	PathType  model.PathType
	Path      string // normalized
	Directory bool
	Timestamp time.Time
	Stat      []byte
	Hash      *model.PathHashEntry
}

// PathIndex holds the versioned per-client path index.
type PathIndex interface {
	// WritePathInfo upserts the path and its ancestors, appends the history row
	// and advances the latest pointer only if the new timestamp is newer.
	WritePathInfo(ctx context.Context, client model.ClientID, w *PathWrite) error
	ReadPathInfo(ctx context.Context, client model.ClientID, pathType model.PathType, path string) (*model.PathInfo, error)
	ReadPathHistory(ctx context.Context, client model.ClientID, pathType model.PathType, path string) ([]model.PathStatEntry, []model.PathHashEntry, error)
	// ListDescendantPaths returns paths strictly below path with depth in
	// (depth(path), maxDepth], ordered by depth then path. maxDepth < 0 means unbounded.
	ListDescendantPaths(ctx context.Context, client model.ClientID, pathType model.PathType, path string, maxDepth int) ([]*model.ClientPath, error)
}

// CronStore holds cron jobs and their run history.
type CronStore interface {
	WriteCronJob(ctx context.Context, job *model.CronJob) error
	ReadCronJob(ctx context.Context, id string) (*model.CronJob, error)
	ListCronJobs(ctx context.Context) ([]*model.CronJob, error)
	SetCronJobEnabled(ctx context.Context, id string, enabled bool) error
	RequestForcedRun(ctx context.Context, id string) error
	DeleteCronJob(ctx context.Context, id string) error

	// LeaseCronJobs leases enabled jobs that are due (or forced) and not leased.
	LeaseCronJobs(ctx context.Context, p LeaseParams) ([]*model.CronJob, error)
	// ReturnLeasedCronJobs clears leases held by owner on the given jobs.
	ReturnLeasedCronJobs(ctx context.Context, owner string, ids []string) error

	// WriteCronJobRun inserts or updates a run and reflects it on the job row.
	WriteCronJobRun(ctx context.Context, run *model.CronJobRun) error
	ReadCronJobRuns(ctx context.Context, id string) ([]*model.CronJobRun, error)
	DeleteOldCronJobRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditLog records operator commands that mutate the ledger.
type AuditLog interface {
	CreateAuditOperation(ctx context.Context, operation, parameters, username string, now time.Time) (*model.AuditOperation, error)
	FinishAuditOperation(ctx context.Context, id int64, status string, now time.Time) error
	ListAuditOperations(ctx context.Context, limit int) ([]*model.AuditOperation, error)
	MaxAuditOperationID(ctx context.Context) (int64, error)
}
