// Package harvest defines core types shared across subsystems.
package harvest

import (
	"strings"
	"time"
)

// Tier is the account class that decides how many credentials it holds.
type Tier string

// Supported account tiers.
const (
	TierTrial Tier = "trial"
	TierPaid  Tier = "paid"
)

// KeysPerClass returns how many credentials of each class the tier is allocated.
func (t Tier) KeysPerClass() int {
	if t == TierPaid {
		return 3
	}
	return 1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierTrial || t == TierPaid
}

// CredentialClass groups external API keys; pools are tracked per class.
type CredentialClass string

// Credential classes held by the pool.
const (
	ClassSearch CredentialClass = "search"
	ClassAI     CredentialClass = "ai"
)

// Classes lists every credential class in allocation order.
var Classes = []CredentialClass{ClassSearch, ClassAI}

// Valid reports whether c is a known credential class.
func (c CredentialClass) Valid() bool {
	return c == ClassSearch || c == ClassAI
}

// CredentialStatus is the allocation state of a pool record.
type CredentialStatus string

// Credential statuses.
const (
	CredentialAvailable CredentialStatus = "available"
	CredentialAssigned  CredentialStatus = "assigned"
)

// CredentialRecord is one external API key owned by the pool.
type CredentialRecord struct {
	Key        string           `json:"key"`
	Class      CredentialClass  `json:"class"`
	Status     CredentialStatus `json:"status"`
	AssignedTo *string          `json:"assigned_to,omitempty"`
	AssignedAt *time.Time       `json:"assigned_at,omitempty"`
	AddedBy    string           `json:"added_by"`
	AddedAt    time.Time        `json:"added_at"`
}

// Allocation is the set of keys chosen for a tier but not yet committed.
type Allocation struct {
	Tier       Tier     `json:"tier"`
	SearchKeys []string `json:"search_keys"`
	AIKeys     []string `json:"ai_keys"`
}

// Credentials are the keys an account brings to a job.
type Credentials struct {
	SearchKeys []string
	AIKeys     []string
}

// DailyQuota tracks how many jobs an account started on a calendar day.
type DailyQuota struct {
	Date      string    `json:"date"`
	Used      int       `json:"used"`
	LastReset time.Time `json:"last_reset"`
}

// UsedOn returns the jobs counted on the calendar day of now in loc. A count
// left over from an earlier day reads as zero.
func (q DailyQuota) UsedOn(now time.Time, loc *time.Location) int {
	if q.LastReset.IsZero() || !sameDay(q.LastReset.In(loc), now.In(loc)) {
		return 0
	}
	return q.Used
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Account is a registered user of the service.
type Account struct {
	ID                 string     `json:"id"`
	Tier               Tier       `json:"tier"`
	AssignedSearchKeys []string   `json:"assigned_search_keys"`
	AssignedAIKeys     []string   `json:"assigned_ai_keys"`
	DailyQuota         DailyQuota `json:"daily_quota"`
	Language           string     `json:"language,omitempty"`
	Stage              string     `json:"stage,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Credentials returns copies of the account's assigned keys.
func (a Account) Credentials() Credentials {
	return Credentials{
		SearchKeys: append([]string(nil), a.AssignedSearchKeys...),
		AIKeys:     append([]string(nil), a.AssignedAIKeys...),
	}
}

// Source names an external place leads are collected from.
type Source string

// Known sources. SourceAll fans out over every registered source.
const (
	SourceInstagram Source = "instagram"
	SourceFacebook  Source = "facebook"
	SourceLinkedIn  Source = "linkedin"
	SourceTikTok    Source = "tiktok"
	SourceWebsites  Source = "websites"
	SourceAll       Source = "all"
)

// DataType narrows what kind of contact a job is after.
type DataType string

// Supported data types.
const (
	DataEmails   DataType = "emails"
	DataPhones   DataType = "phones"
	DataProfiles DataType = "profiles"
	DataAll      DataType = "all"
)

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataEmails, DataPhones, DataProfiles, DataAll:
		return true
	default:
		return false
	}
}

// Format is the artifact serialization.
type Format string

// Supported artifact formats.
const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatXLSX, FormatCSV, FormatTXT, FormatJSON:
		return true
	default:
		return false
	}
}

// Record is one collected lead. Fields are optional and vary by source.
type Record struct {
	Source       Source            `json:"source"`
	Email        string            `json:"email,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	ProfileURL   string            `json:"profile_url,omitempty"`
	Website      string            `json:"website,omitempty"`
	BusinessName string            `json:"business_name,omitempty"`
	Name         string            `json:"name,omitempty"`
	Username     string            `json:"username,omitempty"`
	Bio          string            `json:"bio,omitempty"`
	Company      string            `json:"company,omitempty"`
	Type         string            `json:"type,omitempty"`
	Location     string            `json:"location,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// DisplayName prefers the business name over the person name.
func (r Record) DisplayName() string {
	if strings.TrimSpace(r.BusinessName) != "" {
		return r.BusinessName
	}
	return r.Name
}

// URL returns the profile URL, or the website when no profile is known.
func (r Record) URL() string {
	if strings.TrimSpace(r.ProfileURL) != "" {
		return r.ProfileURL
	}
	return r.Website
}

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job states. Running is only entered from Gated.
const (
	JobIdle      JobStatus = "idle"
	JobGated     JobStatus = "gated"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobFailed:
		return true
	default:
		return false
	}
}

// Phase labels progress notifications.
type Phase string

// Progress phases.
const (
	PhaseQuerying  Phase = "querying"
	PhaseScraping  Phase = "scraping"
	PhaseExporting Phase = "exporting"
	PhaseDone      Phase = "done"
	PhaseError     Phase = "error"
)

// Progress is a best-effort estimate of how far a job got.
type Progress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Phase     Phase  `json:"phase"`
	Message   string `json:"message,omitempty"`
}

// ArtifactMeta travels with every exported artifact.
type ArtifactMeta struct {
	JobID        string    `json:"job_id,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	Niche        string    `json:"niche"`
	Source       Source    `json:"source"`
	DataType     DataType  `json:"data_type,omitempty"`
	Format       Format    `json:"format"`
	TotalResults int       `json:"total_results"`
	IsPartial    bool      `json:"is_partial"`
	Error        string    `json:"error,omitempty"`
	GeneratedAt  time.Time `json:"generated_at"`
	MirrorURI    string    `json:"mirror_uri,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
}

// Outcome is what a finished job hands back.
type Outcome struct {
	Results      []Record     `json:"results"`
	Meta         ArtifactMeta `json:"meta"`
	ArtifactPath string       `json:"artifact_path,omitempty"`
	Delivered    bool         `json:"delivered"`
}

// ScrapeJob is the persisted view of one job run.
type ScrapeJob struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Niche      string     `json:"niche"`
	Source     Source     `json:"source"`
	DataType   DataType   `json:"data_type"`
	Format     Format     `json:"format"`
	MaxResults int        `json:"max_results"`
	Status     JobStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Progress   Progress   `json:"progress"`
	Outcome    *Outcome   `json:"outcome,omitempty"`
}

// PendingDelivery is an artifact that could not be handed to the delivery channel yet.
type PendingDelivery struct {
	AccountID    string       `json:"account_id"`
	ArtifactPath string       `json:"artifact_path"`
	Meta         ArtifactMeta `json:"meta"`
	QueuedAt     time.Time    `json:"queued_at"`
}
