package ledger

import (
	"sync"
	"time"

	"fleetledger/internal/model"
)

// Options tunes lease durations, retry budgets, chunking and approval policy.
type Options struct {
	ClientActionLease       time.Duration
	FlowProcessingLease     time.Duration
	FlowLease               time.Duration
	CronLease               time.Duration
	MaxClientActionLeases   int
	MaxFlowProcessingLeases int
	ChunkSize               int
	// RequireClientApproval makes CreateFlow demand a client approval for
	// flows started by a named creator.
	RequireClientApproval bool
	Approvals             ApprovalPolicy
}

// SubjectPolicy is the authorization rule for one subject type.
type SubjectPolicy struct {
	// MinGrants is the number of distinct grantors required.
	MinGrants int
	// AllowSelfApproval lets the requestor's own grant count.
	AllowSelfApproval bool
}

// ApprovalPolicy holds one SubjectPolicy per subject type.
type ApprovalPolicy struct {
	Client        SubjectPolicy
	Hunt          SubjectPolicy
	CronJob       SubjectPolicy
	DefaultExpiry time.Duration
}

// For returns the policy for a subject type.
func (p ApprovalPolicy) For(t model.SubjectType) SubjectPolicy {
	switch t {
	case model.SubjectClient:
		return p.Client
	case model.SubjectHunt:
		return p.Hunt
	case model.SubjectCronJob:
		return p.CronJob
	}
	return SubjectPolicy{MinGrants: 1}
}

// DefaultOptions returns the defaults used when configuration leaves a field empty.
func DefaultOptions() Options {
	return Options{
		ClientActionLease:       10 * time.Minute,
		FlowProcessingLease:     10 * time.Minute,
		FlowLease:               10 * time.Minute,
		CronLease:               10 * time.Minute,
		MaxClientActionLeases:   3,
		MaxFlowProcessingLeases: 3,
		ChunkSize:               512 * 1024,
		Approvals: ApprovalPolicy{
			Client:        SubjectPolicy{MinGrants: 1},
			Hunt:          SubjectPolicy{MinGrants: 1},
			CronJob:       SubjectPolicy{MinGrants: 1},
			DefaultExpiry: 28 * 24 * time.Hour,
		},
	}
}

// Service is the orchestration layer over the ledger's durable store and vault.
// It is safe for concurrent use; mutual exclusion between processes is carried
// by lease columns in the database.
type Service struct {
	database  Database
	vault     Vault
	encryptor Encryptor
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	opts      Options

	mu         sync.RWMutex
	decryption DecryptionContext
}

// NewService creates a Service. encryptor may be nil, in which case blobs are
// stored in plaintext.
func NewService(database Database, vault Vault, encryptor Encryptor, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Service {
	def := DefaultOptions()
	if opts.ClientActionLease <= 0 {
		opts.ClientActionLease = def.ClientActionLease
	}
	if opts.FlowProcessingLease <= 0 {
		opts.FlowProcessingLease = def.FlowProcessingLease
	}
	if opts.FlowLease <= 0 {
		opts.FlowLease = def.FlowLease
	}
	if opts.CronLease <= 0 {
		opts.CronLease = def.CronLease
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.Approvals.DefaultExpiry <= 0 {
		opts.Approvals.DefaultExpiry = def.Approvals.DefaultExpiry
	}
	return &Service{
		database:  database,
		vault:     vault,
		encryptor: encryptor,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		opts:      opts,
	}
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Unlock unlocks the encryptor's private key so encrypted blobs can be read.
func (s *Service) Unlock(passphrase string) error {
	if s.encryptor == nil {
		return nil
	}
	dc, err := s.encryptor.Unlock(passphrase)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.decryption = dc
	s.mu.Unlock()
	return nil
}

func (s *Service) decryptionContext() DecryptionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryption
}
