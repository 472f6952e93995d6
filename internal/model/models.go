package model

import (
	"math"
	"time"
)

// Client represents a registered remote endpoint.
// The Last*At fields are pointers into the client's history tables, not copies.
type Client struct {
	ID             ClientID
	FirstSeen      time.Time
	LastPing       *time.Time
	LastSnapshotAt *time.Time
	LastStartupAt  *time.Time
	LastCrashAt    *time.Time
}

// ClientLabel is a label attached to a client by an owner.
type ClientLabel struct {
	ClientID ClientID
	Owner    string
	Name     string
}

// HistoryKind selects one of a client's append-only history tables.
type HistoryKind int

const (
	HistorySnapshot HistoryKind = iota
	HistoryStartup
	HistoryCrash
)

func (k HistoryKind) String() string {
	switch k {
	case HistorySnapshot:
		return "snapshot"
	case HistoryStartup:
		return "startup"
	case HistoryCrash:
		return "crash"
	}
	return "unknown"
}

// ClientHistoryEntry is one row of a client's snapshot, startup or crash history.
type ClientHistoryEntry struct {
	ClientID  ClientID
	Kind      HistoryKind
	Timestamp time.Time
	Data      []byte
}

// FlowState is the lifecycle state of a flow.
type FlowState string

const (
	FlowRunning   FlowState = "RUNNING"
	FlowFinished  FlowState = "FINISHED"
	FlowError     FlowState = "ERROR"
	FlowCrashed   FlowState = "CRASHED"
	FlowCancelled FlowState = "CANCELLED"
)

// Terminal reports whether no further processing happens in this state.
func (s FlowState) Terminal() bool { return s != FlowRunning }

// Flow is a unit of remote work tracked against one client.
type Flow struct {
	ClientID             ClientID
	FlowID               FlowID
	ParentFlowID         *FlowID
	ParentHuntID         *HuntID
	FlowClass            string
	Creator              string
	State                FlowState
	SerializedState      []byte
	NextRequestToProcess RequestID
	LeasedUntil          *time.Time
	LeasedBy             string
	PendingTermination   string
	Error                string
	CreateTime           time.Time
	LastUpdateTime       time.Time
}

// FlowRequest is a request issued by a flow. It needs processing once all expected
// responses (or a status) have arrived.
type FlowRequest struct {
	ClientID          ClientID
	FlowID            FlowID
	RequestID         RequestID
	NeedsProcessing   bool
	ResponsesExpected uint64
	NextState         string
	Payload           []byte
	Timestamp         time.Time
}

// StatusResponseID is the reserved response slot holding a request's terminal status.
const StatusResponseID ResponseID = math.MaxUint64

// StatusCode is the outcome carried by a terminal status response.
type StatusCode string

const (
	StatusOK    StatusCode = "OK"
	StatusError StatusCode = "ERROR"
)

// Status is the terminal status of a request.
type Status struct {
	Code  StatusCode
	Error string
}

// FlowResponse is either a data response or, when Status is set, the terminal status.
type FlowResponse struct {
	ClientID      ClientID
	FlowID        FlowID
	RequestID     RequestID
	ResponseID    ResponseID
	Payload       []byte
	Status        *Status
	IteratorState []byte
	Timestamp     time.Time
}

// IsStatus reports whether the response occupies the status slot.
func (r *FlowResponse) IsStatus() bool { return r.Status != nil }

// RequestWithResponses pairs a request with its responses in processing order.
type RequestWithResponses struct {
	Request   *FlowRequest
	Responses []*FlowResponse
}

// ClientActionRequest is the unit of work leased to a remote agent.
type ClientActionRequest struct {
	ClientID    ClientID
	FlowID      FlowID
	RequestID   RequestID
	Payload     []byte
	LeasedUntil *time.Time
	LeasedBy    string
	LeasedCount int
}

// FlowProcessingRequest is a deferred wake-up signal for the flow engine.
type FlowProcessingRequest struct {
	ClientID     ClientID
	FlowID       FlowID
	RequestTime  time.Time
	DeliveryTime *time.Time
	LeasedUntil  *time.Time
	LeasedBy     string
	LeasedCount  int
}

// FlowResult is a result emitted by a flow, also indexed by hunt when the flow has one.
type FlowResult struct {
	ClientID  ClientID
	FlowID    FlowID
	HuntID    *HuntID
	Timestamp time.Time
	Tag       string
	Type      string
	Payload   []byte
}

// FlowErrorEntry is an error reported by a flow.
type FlowErrorEntry struct {
	ClientID  ClientID
	FlowID    FlowID
	HuntID    *HuntID
	Timestamp time.Time
	Message   string
	Payload   []byte
}

// FlowLogEntry is a log line written by a flow.
type FlowLogEntry struct {
	ClientID  ClientID
	FlowID    FlowID
	HuntID    *HuntID
	Timestamp time.Time
	Message   string
}

// HuntState is the aggregate state of a hunt.
type HuntState string

const (
	HuntPaused    HuntState = "PAUSED"
	HuntStarted   HuntState = "STARTED"
	HuntStopped   HuntState = "STOPPED"
	HuntCompleted HuntState = "COMPLETED"
)

// Hunt is a fleet-wide operation that fans out one flow per matching client.
type Hunt struct {
	ID             HuntID
	Creator        string
	Description    string
	Duration       time.Duration
	ClientRate     float64 // flows per minute, 0 = unthrottled
	ClientLimit    uint32  // 0 = unlimited
	State          HuntState
	StateComment   string
	FlowClass      string
	FlowArgs       []byte
	ClientRule     string
	CreateTime     time.Time
	LastUpdateTime time.Time
	InitStartTime  *time.Time
	LastStartTime  *time.Time
}

// User is an operator known by name and hash.
type User struct {
	Hash     UsernameHash
	Username string
}

// ApprovalRequest asks for authorization to access a subject.
type ApprovalRequest struct {
	RequestorHash  UsernameHash
	Requestor      string
	ApprovalID     string
	Subject        Subject
	Reason         string
	NotifiedUsers  []string
	ExpirationTime time.Time
	CreationTime   time.Time
	Grants         []ApprovalGrant
}

// ApprovalGrant records one grantor approving a request.
type ApprovalGrant struct {
	GrantorHash UsernameHash
	Grantor     string
	Timestamp   time.Time
}

// NotificationState tracks whether a user has seen a notification.
type NotificationState string

const (
	NotificationPending NotificationState = "PENDING"
	NotificationRead    NotificationState = "READ"
)

// Notification is an informational message for a user.
type Notification struct {
	UserHash  UsernameHash
	Timestamp time.Time
	State     NotificationState
	Type      string
	Message   string
	Reference string
}

// BlobChunk describes one stored chunk of a blob.
type BlobChunk struct {
	Index int
	Size  int64
}

// BlobManifest is the database record of a blob and its chunks.
type BlobManifest struct {
	ID        BlobID
	Size      int64
	CreatedAt time.Time
	Chunks    []BlobChunk
}

// BlobReference points at a range of a blob that forms part of a logical file.
type BlobReference struct {
	BlobID BlobID
	Offset int64
	Size   int64
}

// BlobEncryptionKey associates a blob with the key that sealed it.
type BlobEncryptionKey struct {
	BlobID    BlobID
	Timestamp time.Time
	KeyID     string
	Nonce     []byte
}

// PathType selects the namespace a client path lives in.
type PathType int

const (
	PathTypeOS PathType = iota
	PathTypeTSK
	PathTypeRegistry
	PathTypeTemp
	PathTypeNTFS
)

func (t PathType) String() string {
	switch t {
	case PathTypeOS:
		return "os"
	case PathTypeTSK:
		return "tsk"
	case PathTypeRegistry:
		return "registry"
	case PathTypeTemp:
		return "temp"
	case PathTypeNTFS:
		return "ntfs"
	}
	return "unknown"
}

// ClientPath is one entry of a client's versioned path index.
type ClientPath struct {
	ClientID   ClientID
	PathType   PathType
	PathID     PathID
	Path       string
	Depth      int
	Directory  bool
	LastStatAt *time.Time
	LastHashAt *time.Time
}

// PathStatEntry is one stat snapshot of a path.
type PathStatEntry struct {
	Timestamp time.Time
	StatEntry []byte
}

// PathHashEntry is one hash snapshot of a path.
type PathHashEntry struct {
	Timestamp time.Time
	HashEntry []byte
	SHA256    *Hash
}

// PathInfo is a path with its latest stat and hash entries.
type PathInfo struct {
	ClientPath
	Stat *PathStatEntry
	Hash *PathHashEntry
}

// CronJob is a periodic job definition with a single active runner.
type CronJob struct {
	ID                 string
	Description        string
	Frequency          time.Duration
	Lifetime           time.Duration
	AllowOverruns      bool
	Enabled            bool
	Args               []byte
	CreateTime         time.Time
	LastRunTime        *time.Time
	LastRunStatus      CronRunStatus
	CurrentRunID       string
	ForcedRunRequested bool
	LeasedUntil        *time.Time
	LeasedBy           string
}

// CronRunStatus is the outcome of one cron job run.
type CronRunStatus string

const (
	CronRunRunning  CronRunStatus = "RUNNING"
	CronRunFinished CronRunStatus = "FINISHED"
	CronRunError    CronRunStatus = "ERROR"
	CronRunTimeout  CronRunStatus = "LIFETIME_EXCEEDED"
)

// CronJobRun is one entry of a job's append-only run history.
type CronJobRun struct {
	JobID      string
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     CronRunStatus
	LogMessage string
	Backtrace  string
}

// AuditOperation records an operator command that mutated the ledger.
type AuditOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Username   string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}
