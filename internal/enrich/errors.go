package enrich

import "errors"

// ErrEnrichmentUnavailable wraps every collaborator failure. It never stops
// a finding from being persisted.
var ErrEnrichmentUnavailable = errors.New("enrichment unavailable")
