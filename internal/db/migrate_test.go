package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchema_IsIdempotentDDL(t *testing.T) {
	ddl := Schema()
	for _, table := range []string{"tenants", "subscriptions", "provisioning_events", "idempotency_records", "orchestration_tasks"} {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS provisioning."+table+" (")
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		assert.Contains(t, stmt, "IF NOT EXISTS", "statement must be re-runnable: %s", stmt)
	}
}
