// Package fallback decides how to retry a read that failed because the
// remote schema does not match what the client asked for. Tables predate
// tenant scoping or lack recently added columns; a narrowed retry often
// still yields usable rows.
package fallback

import (
	"regexp"
	"strings"
)

// TenantColumn is the column used for tenant scoping on the remote store.
const TenantColumn = "tenant_id"

// Decision is the negotiator's verdict for one failed attempt.
type Decision int

const (
	// GiveUp surfaces the error verbatim; no retry can help.
	GiveUp Decision = iota
	// RetryWildcardProjection retries once with select=*.
	RetryWildcardProjection
	// RetryWithoutTenantFilter retries once with the tenant filter dropped.
	RetryWithoutTenantFilter
	// RetryWithoutTenantFilterWildcard drops both the filter and the
	// projection; the second and last escalation.
	RetryWithoutTenantFilterWildcard
)

func (d Decision) String() string {
	switch d {
	case RetryWildcardProjection:
		return "retry-wildcard-projection"
	case RetryWithoutTenantFilter:
		return "retry-without-tenant-filter"
	case RetryWithoutTenantFilterWildcard:
		return "retry-without-tenant-filter-wildcard"
	default:
		return "give-up"
	}
}

// Postgres 42703 phrasing, with or without quotes or a table qualifier:
//
//	column "status" does not exist
//	column tasks.status does not exist
var missingColumnRe = regexp.MustCompile(`column "?(?:[A-Za-z0-9_]+\.)?([A-Za-z0-9_]+)"? does not exist`)

// MissingColumn extracts the column name from a missing-column error
// message. Returns ("", false) for any other error text.
func MissingColumn(msg string) (string, bool) {
	m := missingColumnRe.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Attempt describes the read that just failed.
type Attempt struct {
	Projection     string // projection in effect, "*" for wildcard
	TenantFiltered bool   // whether a tenant filter was applied
}

// Negotiate inspects the failed read's error text and returns the single
// permitted retry, if any. Each escalation is taken at most once per
// failure category, so a read settles after at most two retries.
func Negotiate(errMsg string, attempt Attempt) Decision {
	column, ok := MissingColumn(errMsg)
	if !ok {
		return GiveUp
	}

	if column == TenantColumn {
		if attempt.TenantFiltered {
			// The table predates tenant scoping. Keep the projection unless
			// it names the missing column itself, in which case dropping
			// only the filter would fail the same way again.
			if projectionNames(attempt.Projection, TenantColumn) {
				return RetryWithoutTenantFilterWildcard
			}
			return RetryWithoutTenantFilter
		}
		if attempt.Projection != "*" {
			return RetryWildcardProjection
		}
		return GiveUp
	}

	if attempt.Projection != "*" {
		return RetryWildcardProjection
	}
	return GiveUp
}

// projectionNames reports whether a comma-separated projection spec
// explicitly includes the given column.
func projectionNames(projection, column string) bool {
	if projection == "*" || projection == "" {
		return false
	}
	for _, field := range strings.Split(projection, ",") {
		if strings.TrimSpace(field) == column {
			return true
		}
	}
	return false
}
