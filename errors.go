package reach

import "errors"

// Sentinel errors returned by collector operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, reach.ErrCapacityExceeded) {
//	    // the object table ceiling was hit; not recoverable
//	}
var (
	// ErrCapacityExceeded indicates the indexed object table hit its
	// configured ceiling ([Config.MaxObjects]).
	//
	// Fatal; there is no recovery short of raising the ceiling and
	// restarting.
	ErrCapacityExceeded = errors.New("reach: object table capacity exceeded")

	// ErrTokenStreamNotAssembled indicates an instance of a class was traced
	// before the class's token stream was built, in a mode that forbids lazy
	// assembly (parallel marking, or [Config.AutoAssembleTokenStreams]
	// disabled).
	//
	// Fatal; the wrapped message names the class. Assemble streams up front
	// with [Class.AssembleTokenStream].
	ErrTokenStreamNotAssembled = errors.New("reach: token stream not assembled")

	// ErrUnknownToken indicates the tracer encountered an opcode it does not
	// recognize. The wrapped message carries the token index, class name and
	// object slot for diagnosis.
	//
	// Fatal; this is a token-stream assembly bug or memory corruption.
	ErrUnknownToken = errors.New("reach: unknown token")

	// ErrInvalidSlot indicates an operation received a slot index outside
	// the table, or one referring to a freed slot.
	//
	// Recoverable; predicates such as [Collector.IsValid] return false
	// instead of failing.
	ErrInvalidSlot = errors.New("reach: invalid slot")

	// ErrClusterInconsistency indicates a cluster member's tag disagrees
	// with its root. During marking the inconsistent member is treated as
	// unclustered; [Collector.VerifyClusters] reports it.
	ErrClusterInconsistency = errors.New("reach: cluster inconsistency")

	// ErrBoundaryViolation indicates [Collector.OpenForAdditions] was called
	// with no space left in the permanent partition.
	//
	// Recoverable; permanent objects simply cannot be added anymore.
	ErrBoundaryViolation = errors.New("reach: permanent partition boundary violation")

	// ErrShutdown indicates the [Collector] has already been shut down.
	//
	// This is a programming error.
	ErrShutdown = errors.New("reach: collector shut down")

	// ErrConfigInvalid indicates a [Config] field is out of range.
	ErrConfigInvalid = errors.New("reach: invalid config")

	// ErrTokenStreamTooDeep indicates a class declares container nesting
	// deeper than a token's return-count field can express.
	ErrTokenStreamTooDeep = errors.New("reach: token stream nesting too deep")

	// ErrFieldOffsetTooLarge indicates a field offset does not fit the
	// 20-bit offset field of a packed token.
	ErrFieldOffsetTooLarge = errors.New("reach: field offset exceeds token range")

	// ErrAlreadyInitialized indicates [Init] was called while a default
	// collector exists. Call [Teardown] first.
	ErrAlreadyInitialized = errors.New("reach: already initialized")
)
