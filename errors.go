package fedaccel

import "fmt"

// Component names the subsystem that raised a FedError: a sum type
// tagged by component, with a cause chain.
type Component string

const (
	ComponentDataset     Component = "dataset"
	ComponentConnector   Component = "connector"
	ComponentAccelerator Component = "accelerator"
	ComponentRefresh     Component = "refresh"
	ComponentRegistry    Component = "registry"
	ComponentRetention   Component = "retention"
)

// ErrorKind classifies a FedError's recoverability: configuration,
// schema, constraint, connectivity, transient, or shutdown (not an error).
type ErrorKind string

const (
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindSchema        ErrorKind = "schema"
	ErrorKindConstraint    ErrorKind = "constraint"
	ErrorKindConnectivity  ErrorKind = "connectivity"
	ErrorKindTransient     ErrorKind = "transient"
)

// FedError is the unified error type for the runtime. It carries enough
// context (dataset/catalog name, failing component, and an optional
// remediation hint) for callers to surface a structured message without
// inspecting concrete error variants, matching the FormaError shape
// (errors.go) generalized from entity operations to datasets.
type FedError struct {
	Kind      ErrorKind
	Component Component
	Code      string
	Message   string
	Dataset   string // fully-qualified dataset name, if applicable
	Hint      string
	Cause     error
}

func (e *FedError) Error() string {
	if e.Dataset != "" {
		return fmt.Sprintf("[%s:%s:%s] dataset %s: %s", e.Component, e.Kind, e.Code, e.Dataset, e.Message)
	}
	return fmt.Sprintf("[%s:%s:%s] %s", e.Component, e.Kind, e.Code, e.Message)
}

func (e *FedError) Unwrap() error {
	return e.Cause
}

// Retriable reports whether this error's kind should be fed back into a
// RetryPolicy rather than immediately marking the dataset Error.
func (e *FedError) Retriable() bool {
	return e != nil && (e.Kind == ErrorKindConnectivity || e.Kind == ErrorKindTransient)
}

// WithCause attaches an underlying cause and returns the receiver.
func (e *FedError) WithCause(cause error) *FedError {
	e.Cause = cause
	return e
}

// WithDataset attaches the dataset name and returns the receiver.
func (e *FedError) WithDataset(name string) *FedError {
	e.Dataset = name
	return e
}

// WithHint attaches a remediation hint and returns the receiver.
func (e *FedError) WithHint(hint string) *FedError {
	e.Hint = hint
	return e
}

// Error codes, grouped by failing component.
const (
	CodeTableAlreadyExists             = "TABLE_ALREADY_EXISTS"
	CodeWriteProviderNotImplemented    = "WRITE_PROVIDER_NOT_IMPLEMENTED"
	CodeInvalidConfiguration           = "INVALID_CONFIGURATION"
	CodeDatasetNameIncludesCatalog     = "DATASET_NAME_INCLUDES_CATALOG"
	CodeInvalidTimeFormat              = "INVALID_TIME_FORMAT"
	CodeAppendRequiresTimeColumnOrSrc  = "APPEND_REQUIRES_TIME_COLUMN_OR_STREAM"
	CodeChangesRequiresChangesStream   = "CHANGES_REQUIRES_CHANGES_STREAM"
	CodeUniqueConstraintUnsupported    = "UNIQUE_CONSTRAINT_UNSUPPORTED"
	CodeSchemaMismatch                 = "SCHEMA_MISMATCH"
	CodeRefreshSQLInvalidColumn        = "REFRESH_SQL_INVALID_COLUMN"
	CodeNullPrimaryKey                 = "NULL_PRIMARY_KEY"
	CodeDuplicatePrimaryKeyInBatch     = "DUPLICATE_PRIMARY_KEY_IN_BATCH"
	CodePrimaryKeyCollision            = "PRIMARY_KEY_COLLISION"
	CodeSourceUnreachable               = "SOURCE_UNREACHABLE"
	CodeAuthenticationFailure           = "AUTHENTICATION_FAILURE"
	CodeTLSFailure                      = "TLS_FAILURE"
	CodeRateLimited                     = "RATE_LIMITED"
	CodeRefreshSQLSyntax                = "REFRESH_SQL_SYNTAX"
)

// Constructors. Each mirrors forma's NewFormaError / New*Error family
// (errors.go), one per recurring failure kind.
func NewConfigurationError(component Component, code, message string) *FedError {
	return &FedError{Kind: ErrorKindConfiguration, Component: component, Code: code, Message: message}
}

func NewSchemaError(component Component, code, message string) *FedError {
	return &FedError{Kind: ErrorKindSchema, Component: component, Code: code, Message: message}
}

func NewConstraintError(code, message string) *FedError {
	return &FedError{Kind: ErrorKindConstraint, Component: ComponentAccelerator, Code: code, Message: message}
}

func NewConnectivityError(component Component, code, message string) *FedError {
	return &FedError{Kind: ErrorKindConnectivity, Component: component, Code: code, Message: message}
}

func NewTransientError(component Component, code, message string) *FedError {
	return &FedError{Kind: ErrorKindTransient, Component: component, Code: code, Message: message}
}

func ErrTableAlreadyExists(name string) *FedError {
	return NewConfigurationError(ComponentRegistry, CodeTableAlreadyExists, "a table is already registered under this name").
		WithDataset(name).
		WithHint("choose a different dataset name or schema")
}

func ErrWriteProviderNotImplemented(name string) *FedError {
	return NewConfigurationError(ComponentConnector, CodeWriteProviderNotImplemented, "connector does not implement a read/write provider for a ReadWrite dataset").
		WithDataset(name)
}

func ErrDatasetNameIncludesCatalog(name string) *FedError {
	return NewConfigurationError(ComponentRegistry, CodeDatasetNameIncludesCatalog, "dataset name may not specify a catalog").
		WithDataset(name).
		WithHint("drop the leading catalog segment; it is always spice")
}

func ErrUniqueConstraintUnsupported(name string) *FedError {
	return NewConfigurationError(ComponentAccelerator, CodeUniqueConstraintUnsupported, "the in-memory accelerator does not enforce unique constraints").
		WithDataset(name)
}

func ErrAppendRequiresTimeColumnOrStream(name string) *FedError {
	return NewConfigurationError(ComponentRefresh, CodeAppendRequiresTimeColumnOrSrc, "append refresh mode requires either a time column or a source append stream").
		WithDataset(name)
}

func ErrChangesRequiresChangesStream(name string) *FedError {
	return NewConfigurationError(ComponentRefresh, CodeChangesRequiresChangesStream, "changes refresh mode requires a source changes stream").
		WithDataset(name)
}
