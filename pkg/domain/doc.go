// Package domain defines the core types shared by the relay components:
// site profiles, credential bundles, user sessions and the error taxonomy.
//
// This package has no dependencies outside the Go standard library. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Values handed out by this package are treated as immutable once built;
// configuration reloads replace whole snapshots instead of editing them.
package domain
