package pulse

import "fmt"

// ConfigurationMissing is returned when a required key or directory is
// absent at the moment an operation needs it (e.g. the local signing key
// at publish time, or a peer's verify key at federation configure time).
type ConfigurationMissing struct {
	What string
	Path string
}

func (e *ConfigurationMissing) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("configuration missing: %s (%s)", e.What, e.Path)
	}
	return fmt.Sprintf("configuration missing: %s", e.What)
}

// SchemaViolation is returned when an event fails normalization: not a map,
// a required field missing, priority out of range, or an extended field of
// the wrong type.
type SchemaViolation struct {
	Field  string
	Reason string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("pulse event field %q: %s", e.Field, e.Reason)
}

// InvalidSignature is returned when a signature is absent, malformed, or
// cryptographically invalid.
type InvalidSignature struct {
	SourcePeer string
	Reason     string
}

func (e *InvalidSignature) Error() string {
	return fmt.Sprintf("invalid signature from peer %q: %s", e.SourcePeer, e.Reason)
}

// PermissionDenied is returned when a path operation resolves under a
// denylisted segment. Outbound federation does not return it: a privileged
// payload is logged and skipped.
type PermissionDenied struct {
	Path   string
	Reason string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied for %q: %s", e.Path, e.Reason)
}

// OperationConflict is returned when a veil confirm/reject is attempted on a
// patch outside of {suggested, pending}.
type OperationConflict struct {
	PatchID string
	Status  string
}

func (e *OperationConflict) Error() string {
	return fmt.Sprintf("patch %q cannot be resolved from status %q", e.PatchID, e.Status)
}

// ExternalFailure wraps a failure from an external collaborator: apply_patch,
// run_ci, or the code generator.
type ExternalFailure struct {
	Op     string
	Reason string
}

func (e *ExternalFailure) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Reason)
}

// TransientRemote is returned (and only logged, never retried inline) when
// an outbound HTTP call to a peer fails.
type TransientRemote struct {
	Peer string
	Op   string
	Err  error
}

func (e *TransientRemote) Error() string {
	return fmt.Sprintf("%s to peer %q: %v", e.Op, e.Peer, e.Err)
}

func (e *TransientRemote) Unwrap() error { return e.Err }

// InvalidWindow is returned when a window expression fails to parse.
type InvalidWindow struct {
	Expr string
}

func (e *InvalidWindow) Error() string {
	return fmt.Sprintf("invalid window expression %q", e.Expr)
}

// WindowUnavailable is returned when no snapshot carries the requested window.
type WindowUnavailable struct {
	Window string
}

func (e *WindowUnavailable) Error() string {
	return fmt.Sprintf("no snapshot available for window %q", e.Window)
}
