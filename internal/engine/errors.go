package engine

import "errors"

// Typed failure kinds. Every operation reports these synchronously; nothing
// is retried internally and no failed operation leaves partial state behind.
var (
	// ErrInvalidObjective covers empty or over-length objectives.
	ErrInvalidObjective = errors.New("invalid objective")
	// ErrInvalidArgument covers non-positive thresholds, out-of-bounds
	// duration, and a missing group id on a guild directive.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrGroupAuthorityNotConfigured means no membership authority is wired
	// up. Callers must be able to tell this apart from ErrNotGuildMember.
	ErrGroupAuthorityNotConfigured = errors.New("group membership authority not configured")
	// ErrNotGuildMember means the authority answered and said no.
	ErrNotGuildMember = errors.New("not a member of the group")
	// ErrNotVotable means the directive is not open or active.
	ErrNotVotable = errors.New("directive not votable")
	// ErrAlreadyVoted means this identity already holds a vote record.
	ErrAlreadyVoted = errors.New("already voted on this directive")
	// ErrInvalidStatus means the directive is in the wrong state for the
	// requested transition.
	ErrInvalidStatus = errors.New("invalid directive status for operation")
	// ErrNotAuthorized means the caller is neither the proposer nor the
	// registry owner.
	ErrNotAuthorized = errors.New("caller not authorized")
)
