package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatementVerb(t *testing.T) {
	assert.Equal(t, "SELECT", statementVerb("\n\t  select id from combats"))
	assert.Equal(t, "UPDATE", statementVerb("UPDATE participants SET order_index = $1"))
	assert.Equal(t, "QUERY", statementVerb("   "))
}
