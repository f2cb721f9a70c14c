package reach

// Hardcoded implementation limits.
//
// These limits are intentionally generous; they exist primarily to:
//   - keep slot arithmetic safely away from int32 overflow boundaries
//   - bound resource usage for configurations the project does not test
//   - keep packed-token fields (20-bit offsets, 4-bit return counts) honest
//
// Violations are configuration or programming errors and surface as
// ErrConfigInvalid, ErrFieldOffsetTooLarge or ErrTokenStreamTooDeep.
const (
	// slotChunkSize is the number of slot items per table chunk.
	slotChunkSize = 64 * 1024

	// maxConfigObjects is the largest allowed table ceiling. Slot indices
	// are int32 and cluster tags borrow the sign bit, so keep well clear.
	maxConfigObjects = 1 << 30

	// maxTokenOffset is the largest byte offset a packed token can carry
	// (20 bits).
	maxTokenOffset = 1<<20 - 1

	// maxTokenReturnCount is the largest frame count a single token can
	// close on entry (4 bits).
	maxTokenReturnCount = 15

	// maxTraceDepth bounds the tracer's frame stack. Token streams are flat
	// per class; depth only grows with container nesting, which the
	// return-count field already caps per token.
	maxTraceDepth = 64

	// firstWeakSerial is the first serial number handed out by the weak
	// reference epoch. Nonzero so that "never observed" (zero) is
	// distinguishable in freed slots.
	firstWeakSerial = 1000

	// defaultPoolDecayDenominator drops every Nth retained frontier on a
	// full purge. The value 7 is empirical, inherited from the original
	// tuning; it is a tunable ([Config.PoolDecayDenominator]), not a
	// contract.
	defaultPoolDecayDenominator = 7
)
