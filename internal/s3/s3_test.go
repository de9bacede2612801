package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportKey(t *testing.T) {
	assert.Equal(t, "reports/acme/42.json", ReportKey("acme", "42"))
	assert.Equal(t, "reports/a_b/42.json", ReportKey("a/b", "42"))
	assert.Equal(t, "reports/default/42.json", ReportKey("", "42"))
	assert.Equal(t, "reports/acme/42/raw/j1.ndjson", RawKey("acme", "42", "j1"))
}
