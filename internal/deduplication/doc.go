// Package deduplication reduces groups of crystal structures to their
// unique representatives.
//
// # Overview
//
// A prediction run produces many relaxed structures, and many of them are
// the same crystal found again from a different starting point. Records are
// grouped by (task, formula); within a group, the Resolver walks the members
// in store order and keeps an ordered accepted set.
//
// For every candidate, the accepted members are scanned in order. A pair is
// only compared structurally when both records have the same coarse symmetry
// number and their enthalpies per atom differ by less than EThreshold. The
// pre-filter reads projections only, so geometries of well separated
// structures are never loaded.
//
// When a comparison matches, the lower enthalpy structure stays: a strictly
// lower candidate replaces the accepted member (which leaves the set, the
// candidate joins at the end), otherwise the candidate is dropped.
//
// # Scan modes
//
// ScanFirstDecisive, the default, stops at the first accepted member that
// passes the pre-filter. If that comparison does not match, the candidate is
// accepted without looking at the rest of the set. ScanAll keeps scanning
// after a non-match and only accepts the candidate once every accepted
// member has been tried.
//
// # Compare failures
//
// A comparison fails when a geometry is missing or unreadable, or when the
// comparator reports an error or panics. Under TreatAsDistinct the failure is
// logged and counted and the pair is treated as a non-match. Under Propagate
// the group fails with ErrCompareFailed, which aborts the run.
//
// # Dispatch
//
// Groups are independent. The Dispatcher streams them from a GroupSource to
// a bounded errgroup of workers, each group with a fresh structure.Cache,
// and concatenates the per-group results in source order.
//
// # Configuration
//
// See Config and ConfigFromEnv. Environment variables use the
// CALYDB_UNIQUE_ prefix.
package deduplication
