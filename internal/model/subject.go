package model

import "fmt"

// SubjectType is the persisted discriminator of an approval subject.
type SubjectType int

const (
	SubjectClient SubjectType = iota + 1
	SubjectHunt
	SubjectCronJob
)

func (t SubjectType) String() string {
	switch t {
	case SubjectClient:
		return "client"
	case SubjectHunt:
		return "hunt"
	case SubjectCronJob:
		return "cron_job"
	}
	return fmt.Sprintf("subject(%d)", int(t))
}

// ParseSubjectType is the inverse of SubjectType.String.
func ParseSubjectType(s string) (SubjectType, error) {
	switch s {
	case "client":
		return SubjectClient, nil
	case "hunt":
		return SubjectHunt, nil
	case "cron_job", "cron":
		return SubjectCronJob, nil
	}
	return 0, fmt.Errorf("unknown approval subject type %q", s)
}

// Subject is what an approval gates: a client, a hunt or a cron job.
// The set of implementations is closed.
type Subject interface {
	Type() SubjectType
	// ID is the persisted subject_id string.
	ID() string
	isSubject()
}

// ClientSubject gates access to one client.
type ClientSubject struct{ ClientID ClientID }

// HuntSubject gates starting or modifying one hunt.
type HuntSubject struct{ HuntID HuntID }

// CronJobSubject gates modifying one cron job.
type CronJobSubject struct{ JobID string }

func (s ClientSubject) Type() SubjectType  { return SubjectClient }
func (s HuntSubject) Type() SubjectType    { return SubjectHunt }
func (s CronJobSubject) Type() SubjectType { return SubjectCronJob }

func (s ClientSubject) ID() string  { return s.ClientID.String() }
func (s HuntSubject) ID() string    { return s.HuntID.String() }
func (s CronJobSubject) ID() string { return s.JobID }

func (ClientSubject) isSubject()  {}
func (HuntSubject) isSubject()    {}
func (CronJobSubject) isSubject() {}

// SubjectFrom rebuilds a Subject from its persisted form.
func SubjectFrom(t SubjectType, id string) (Subject, error) {
	switch t {
	case SubjectClient:
		c, err := ParseClientID(id)
		if err != nil {
			return nil, err
		}
		return ClientSubject{ClientID: c}, nil
	case SubjectHunt:
		h, err := ParseHuntID(id)
		if err != nil {
			return nil, err
		}
		return HuntSubject{HuntID: h}, nil
	case SubjectCronJob:
		if id == "" {
			return nil, fmt.Errorf("empty cron job id")
		}
		return CronJobSubject{JobID: id}, nil
	}
	return nil, fmt.Errorf("unknown approval subject type %d", int(t))
}
