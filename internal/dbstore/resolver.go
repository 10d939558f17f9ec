// resolver.go matches a reported hostname (e.g. a child instance's
// short name) to a Host row's fqdn. The match rules have a fixed
// priority rather than being assembled from ad hoc LIKE patterns, so
// the behavior is testable in isolation.
package dbstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ResolveHostByHostname applies, in order, until one matches:
//  1. exact case-insensitive fqdn == hostname
//  2. fqdn LIKE short+'.%' (hostname is the short name, fqdn has a domain suffix)
//  3. reverse prefix: hostname LIKE fqdn's short name + '.%'
func (s *Store) ResolveHostByHostname(ctx context.Context, hostname string) (*Host, error) {
	var h Host
	err := sqlx.GetContext(ctx, s.ext(), &h, `SELECT * FROM hosts WHERE lower(fqdn) = lower($1)`, hostname)
	if err == nil {
		return &h, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("dbstore: resolve host (exact): %w", err)
	}

	short := hostname
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		short = hostname[:i]
	}
	err = sqlx.GetContext(ctx, s.ext(), &h, `SELECT * FROM hosts WHERE fqdn ILIKE $1`, short+".%")
	if err == nil {
		return &h, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("dbstore: resolve host (suffix): %w", err)
	}

	err = sqlx.GetContext(ctx, s.ext(), &h, `
		SELECT * FROM hosts WHERE $1 ILIKE (split_part(fqdn, '.', 1) || '.%')`, hostname)
	if err == nil {
		return &h, nil
	}
	if isNoRows(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("dbstore: resolve host (reverse prefix): %w", err)
}
