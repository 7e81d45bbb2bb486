// Package dicom defines the data model and study state machine shared by
// every pipeline component: the receiver that creates studies, the
// scheduler that drives them through the fan-out plan, the retry manager
// that re-enqueues failed destinations, and the archive that records the
// final outcome.
package dicom

import "time"

// StudyState is one node of the study lifecycle; the transitions between
// states are the table in statemachine.go.
type StudyState string

const (
	StateReceiving         StudyState = "RECEIVING"
	StateCompletedIncoming StudyState = "COMPLETED_INCOMING"
	StateProcessing        StudyState = "PROCESSING"
	StateAnonymizing       StudyState = "ANONYMIZING"
	StateAwaitingReview    StudyState = "AWAITING_REVIEW"
	StateForwarding        StudyState = "FORWARDING"
	StateCompleted         StudyState = "COMPLETED"
	StatePartial           StudyState = "PARTIAL"
	StateFailed            StudyState = "FAILED"
	StateRejected          StudyState = "REJECTED"
)

// Terminal reports whether a state has no outgoing transitions other than
// explicit user-initiated retry (FAILED) or is fully terminal
// (COMPLETED, REJECTED).
func (s StudyState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// Study is one DICOM study moving through the pipeline.
type Study struct {
	StudyInstanceUID string
	AE               string // originating listener AE title
	SourceAE         string // peer AE that sent the study
	Modality         string
	AccessionNumber  string
	Files            []Instance
	ByteTotal        int64

	ReceivedAt            time.Time
	ProcessingStartedAt   time.Time
	ForwardingStartedAt   time.Time
	CompletedAt           time.Time

	Status StudyState
}

// Instance is one DICOM object file belonging to a Study. Immutable after
// write.
type Instance struct {
	SOPInstanceUID string
	SOPClassUID    string
	SeriesUID      string
	FilePath       string
	// Tags holds the subset of DICOM element values the pipeline needs for
	// routing, naming, and anonymization decisions, keyed by the DICOM tag
	// in "GGGG,EEEE" hex form.
	Tags map[string]string
}

// Route is an inbound listener configuration.
type Route struct {
	AETitle             string
	Port                int
	Enabled             bool
	Description         string
	WorkerThreads       int
	MaxConcurrentStudies int
	MaxConcurrentTransfers int
	StudyTimeoutSeconds int
	RateLimitPerMinute  int
	WebhookURL          string
	WebhookEvents       []string
	ReviewRequired      bool
	AutoImport          bool
	Destinations        []RouteDestination
	RoutingRules        []Rule
	ValidationRules     []Rule
	Filters             []Rule
}

// RouteDestination binds a Route to a named Destination with processing
// options.
type RouteDestination struct {
	DestinationName string
	Anonymize       bool
	ScriptName      string
	Project         string
	Subject         string
	Session         string
	Priority        int
	RetryCount      int
	RetryDelay      time.Duration
	BrokerName      string // honest-broker binding, empty if none
	// ConditionExpr optionally gates whether this RouteDestination
	// participates in the plan for a given Study, evaluated with the same
	// rule-operator set as Route.Filters.
	ConditionExpr *Rule
}

// DestinationKind enumerates the three adapter variants.
type DestinationKind string

const (
	KindDicomAE    DestinationKind = "dicom_ae"
	KindXNAT       DestinationKind = "xnat"
	KindFilesystem DestinationKind = "filesystem"
)

// Destination is a named sink.
type Destination struct {
	Name    string
	Kind    DestinationKind
	Enabled bool
	Tags    map[string]string

	DicomAE    *DicomAEConfig
	XNAT       *XNATConfig
	Filesystem *FilesystemConfig
}

// DicomAEConfig configures a DICOM-AE destination.
type DicomAEConfig struct {
	Host       string
	Port       int
	PeerAE     string
	CallingAE  string
	TLS        bool
	Timeout    time.Duration
	MaxRetries int
}

// XNATConfig configures an XNAT HTTP destination.
type XNATConfig struct {
	BaseURL          string
	Username         string
	Password         string
	Timeout          time.Duration
	MaxRetries       int
	PoolSize         int
	AutoArchive      bool
	Overwrite        bool
	ArchiveEndpoint  string // optional follow-up archive-action endpoint
}

// FilesystemConfig configures a filesystem destination.
type FilesystemConfig struct {
	BasePath     string
	CreateSubdirs bool
	NamingPattern string // "{placeholder}" style template
}

// DestinationHealth tracks per-Destination rolling availability state.
type DestinationHealth struct {
	DestinationName     string
	Available           bool
	TotalChecks         int64
	SuccessfulChecks    int64
	ConsecutiveFailures int64
	LastCheck           time.Time
	LastAvailable       time.Time
	UnavailableSince    *time.Time
}

// AvailabilityPercent returns SuccessfulChecks/TotalChecks, or 1.0 when no
// checks have run yet.
func (h DestinationHealth) AvailabilityPercent() float64 {
	if h.TotalChecks == 0 {
		return 1.0
	}
	return float64(h.SuccessfulChecks) / float64(h.TotalChecks)
}

// DestinationResultStatus is the per-destination outcome of one transfer
// attempt.
type DestinationResultStatus string

const (
	ResultPending    DestinationResultStatus = "PENDING"
	ResultInProgress DestinationResultStatus = "IN_PROGRESS"
	ResultSuccess    DestinationResultStatus = "SUCCESS"
	ResultFailed     DestinationResultStatus = "FAILED"
	ResultSkipped    DestinationResultStatus = "SKIPPED"
)

// DestinationResult is the outcome, within one TransferRecord, of sending
// to one RouteDestination.
type DestinationResult struct {
	DestinationName string
	Status          DestinationResultStatus
	Message         string
	ErrorDetails    string
	Duration        time.Duration
	FilesTransferred int
	CompletedAt     time.Time
	Attempts        int
	NextRetryAt     time.Time
	RetryEligible   bool
}

// TransferRecordStatus is the study-level outcome of one traversal of a
// Route.
type TransferRecordStatus string

const (
	TransferPending    TransferRecordStatus = "PENDING"
	TransferProcessing TransferRecordStatus = "PROCESSING"
	TransferForwarding TransferRecordStatus = "FORWARDING"
	TransferSuccess    TransferRecordStatus = "SUCCESS"
	TransferPartial    TransferRecordStatus = "PARTIAL"
	TransferFailed     TransferRecordStatus = "FAILED"
)

// TransferRecord is one attempt by one Study to traverse a Route.
type TransferRecord struct {
	StudyInstanceUID string
	RouteAE          string
	Status           TransferRecordStatus
	ErrorMessage     string
	Results          []DestinationResult
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ArchivedStudy is the post-forwarding record written by the Archive.
type ArchivedStudy struct {
	StudyInstanceUID    string
	OriginalPath        string // empty if not archived
	AnonymizedPath      string // empty if no anonymization ran
	DestinationStatus   map[string]DestinationResultStatus
	SubmittedForReview  bool
	ScriptsUsed         []string
	ReviewDecision      string // "", "approved", "rejected"
	BrokerMappings      map[string]string
	AuditReportPath     string
	ArchivedAt          time.Time
}

// ReviewStatus is the lifecycle of one review checkpoint.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewMetadata is the sidecar written when a study enters
// review/pending/<review_id>/.
type ReviewMetadata struct {
	ReviewID      string
	StudyInstanceUID string
	RouteAE       string
	SourceAE      string
	ScriptUsed    string
	AuditSummary  string
	SubmittedAt   time.Time
	Reviewer      string
	Decision      ReviewStatus
	Notes         string
	DecidedAt     time.Time
}

// RejectionMetadata is the sidecar written alongside a rejected review.
type RejectionMetadata struct {
	ReviewID  string
	Reason    string
	Reviewer  string
	RejectedAt time.Time
}

// CrosswalkIDType distinguishes the kind of identifier being mapped.
type CrosswalkIDType string

const (
	IDTypePatientID   CrosswalkIDType = "patient_id"
	IDTypePatientName CrosswalkIDType = "patient_name"
)

// CrosswalkEntry is a persistent (broker, input_id, id_type) -> output_id
// mapping.
type CrosswalkEntry struct {
	BrokerName string
	InputID    string
	IDType     CrosswalkIDType
	OutputID   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TagOpKind enumerates the anonymization operations a Script may apply to
// a tag.
type TagOpKind string

const (
	OpRemove                      TagOpKind = "remove"
	OpKeep                        TagOpKind = "keep"
	OpEmpty                       TagOpKind = "empty"
	OpReplaceConst                TagOpKind = "replace"
	OpHash                        TagOpKind = "hash"
	OpGenerateUID                 TagOpKind = "generate_uid"
	OpShiftDate                   TagOpKind = "shift_date"
	OpProjectSubjectSessionRewrite TagOpKind = "project_subject_session_rewrite"
	OpAlterPixels                 TagOpKind = "alter_pixels"
)

// TagOp is one operation in a Script, applied to a single DICOM tag (or,
// for alter_pixels, to a pixel region).
type TagOp struct {
	Tag         string // "GGGG,EEEE"
	Op          TagOpKind
	Const       string // for OpReplaceConst
	Region      *PixelRegion // for OpAlterPixels
}

// PixelRegion is a rectangular pixel area to redact.
type PixelRegion struct {
	X, Y, W, H int
}

// Script is a named, ordered sequence of tag operations.
type Script struct {
	Name        string
	Description string
	BuiltIn     bool
	Ops         []TagOp
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// RetryTask is a persistent retry-queue entry.
type RetryTask struct {
	ID              string
	AE              string
	StudyInstanceUID string
	DestinationName string
	Attempt         int
	NextRetryAt     time.Time
	LastError       string
	EnqueuedAt      time.Time
}
