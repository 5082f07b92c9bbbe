package refreshsql

import (
	"testing"

	"github.com/lychee-technology/fedaccel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_StarProjectionWithWhere(t *testing.T) {
	res, err := Validate("SELECT * FROM orders WHERE status = 'open'", "spice.public.orders", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Columns)
	assert.Equal(t, "status = 'open'", res.Where)
}

func TestValidate_ExplicitColumns(t *testing.T) {
	res, err := Validate("SELECT id, name FROM orders", "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	assert.Empty(t, res.Where)
}

func TestValidate_EmptyRefreshSQLIsNoOp(t *testing.T) {
	res, err := Validate("", "orders", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Columns)
}

func TestValidate_RejectsGroupBy(t *testing.T) {
	_, err := Validate("SELECT status, COUNT(*) FROM orders GROUP BY status", "orders", nil)
	require.Error(t, err)
	var fe *fedaccel.FedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fedaccel.CodeRefreshSQLSyntax, fe.Code)
}

func TestValidate_RejectsJoin(t *testing.T) {
	_, err := Validate("SELECT o.id FROM orders o JOIN customers c ON o.customer_id = c.id", "orders", nil)
	require.Error(t, err)
}

func TestValidate_RejectsOrderByAndLimit(t *testing.T) {
	_, err := Validate("SELECT id FROM orders ORDER BY id", "orders", nil)
	require.Error(t, err)

	_, err = Validate("SELECT id FROM orders LIMIT 10", "orders", nil)
	require.Error(t, err)
}

func TestValidate_RejectsSubquery(t *testing.T) {
	_, err := Validate("SELECT id FROM orders WHERE id IN (SELECT id FROM other)", "orders", nil)
	require.Error(t, err)
}

func TestValidate_RejectsWrongTable(t *testing.T) {
	_, err := Validate("SELECT id FROM other_table", "orders", nil)
	require.Error(t, err)
}

func TestValidate_ExpandsComputedColumnDependencies(t *testing.T) {
	computed := []fedaccel.ComputedColumnSpec{
		{Name: "embedding", DependsOn: []string{"body"}, ValueKind: "embedding_vector"},
	}
	res, err := Validate("SELECT id, embedding FROM docs", "docs", computed)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "embedding", "body"}, res.Columns)
}

func TestValidate_RejectsFunctionCallsInProjection(t *testing.T) {
	_, err := Validate("SELECT UPPER(name) FROM orders", "orders", nil)
	require.Error(t, err)
}

func TestValidate_RejectsPrewhere(t *testing.T) {
	_, err := Validate("SELECT id FROM orders PREWHERE x > 0", "orders", nil)
	require.Error(t, err)
}

func TestValidate_RejectsSortBy(t *testing.T) {
	_, err := Validate("SELECT id FROM orders WHERE x > 0 SORT BY id", "orders", nil)
	require.Error(t, err)
}

func TestValidate_RejectsClusterBy(t *testing.T) {
	_, err := Validate("SELECT id FROM orders CLUSTER BY id", "orders", nil)
	require.Error(t, err)
}

func TestValidate_RejectsDistributeBy(t *testing.T) {
	_, err := Validate("SELECT id FROM orders DISTRIBUTE BY id", "orders", nil)
	require.Error(t, err)
}
