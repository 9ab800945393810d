package build

// Request types. The state machine is type-agnostic beyond dispatching
// to the matching handler.
const (
	TypeAddBundle               = "add-bundle"
	TypeRemoveOperator          = "remove-operator"
	TypeRegenerateBundle        = "regenerate-bundle"
	TypeRegenerateIndex         = "regenerate-index"
	TypeMergeIndex              = "merge-index"
	TypeCreateEmptyIndex        = "create-empty-index"
	TypeRecursiveRelatedBundles = "recursive-related-bundles"
)

// RequestTypes lists every supported request type.
var RequestTypes = []string{
	TypeAddBundle,
	TypeRemoveOperator,
	TypeRegenerateBundle,
	TypeRegenerateIndex,
	TypeMergeIndex,
	TypeCreateEmptyIndex,
	TypeRecursiveRelatedBundles,
}

// BuildRequest is the FSM input
type BuildRequest struct {
	RequestID    int64
	Type         string
	User         string
	Organization string
	Lane         string
	Payload      Payload
}

// BuildResponse is the FSM output (accumulated across transitions)
type BuildResponse struct {
	// From Prepare
	ResolvedBundles     []string
	FromIndexResolved   string
	TargetIndexResolved string
	BinaryImage         string
	Arches              []string
	DistributionScope   string

	// From Customize (regenerate-bundle)
	PackageName     string
	TargetImageName string

	// From Index
	LocalIndexRef  string
	RelatedBundles []string

	// From Push
	IndexImage string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// FSM state names
const (
	StatePrepare   = "prepare"
	StateGate      = "gate"
	StateCustomize = "customize"
	StateIndex     = "index"
	StatePush      = "push"
	StateComplete  = "complete"
	StateFailed    = "failed"
)

// Index image labels consulted during prepare.
const (
	versionLabel           = "com.indexforge.index.delivery.version"
	distributionScopeLabel = "com.indexforge.index.delivery.distribution_scope"

	defaultIndexVersion      = "v4.5"
	defaultDistributionScope = "prod"
)
