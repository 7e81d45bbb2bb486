package dicom

import (
	"context"
	"time"
)

// The interfaces below are the observable-state surface an out-of-scope
// admin HTTP layer would consume. Pipeline components implement them
// in-process; no component here depends on an HTTP framework.

// RouteStore lists and mutates Routes.
type RouteStore interface {
	ListRoutes(ctx context.Context) ([]Route, error)
	GetRoute(ctx context.Context, aeTitle string) (Route, error)
	PutRoute(ctx context.Context, route Route) error
	DeleteRoute(ctx context.Context, aeTitle string) error
}

// DestinationStore lists and mutates Destinations. DeleteDestination
// fails with ErrDestinationInUse while the destination is still
// referenced by a RouteDestination.
type DestinationStore interface {
	ListDestinations(ctx context.Context) ([]Destination, error)
	GetDestination(ctx context.Context, name string) (Destination, error)
	PutDestination(ctx context.Context, dest Destination) error
	DeleteDestination(ctx context.Context, name string) error
}

// ScriptRegistry is Script CRUD; built-in scripts are immutable.
type ScriptRegistry interface {
	ListScripts(ctx context.Context) ([]Script, error)
	GetScript(ctx context.Context, name string) (Script, error)
	PutScript(ctx context.Context, script Script) error
	DeleteScript(ctx context.Context, name string) error
}

// BrokerRegistry is honest-broker CRUD plus test-lookup and cache-clear.
type BrokerRegistry interface {
	ListBrokers(ctx context.Context) ([]string, error)
	TestLookup(ctx context.Context, brokerName, inputID string, idType CrosswalkIDType) (string, error)
	ClearCache(ctx context.Context, brokerName string) error
}

// TransferQuery is the paginated, filterable view over TransferRecords.
type TransferQuery interface {
	Query(ctx context.Context, filter TransferFilter) ([]TransferRecord, error)
	Get(ctx context.Context, ae, studyUID string) (TransferRecord, error)
	FailedStudies(ctx context.Context, ae string) ([]TransferRecord, error)
	ActiveTransfers(ctx context.Context) ([]TransferRecord, error)
}

// TransferFilter parameterizes TransferQuery.Query.
type TransferFilter struct {
	AE        string
	StudyUID  string
	Status    TransferRecordStatus
	From, To  time.Time
	Page, PageSize int
}

// HealthSnapshot is the read-only per-destination health view.
type HealthSnapshot interface {
	Snapshot(ctx context.Context) ([]DestinationHealth, error)
	Get(ctx context.Context, destinationName string) (DestinationHealth, error)
}
