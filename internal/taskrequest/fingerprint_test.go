package taskrequest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

func TestPropertiesHash_StableAcrossValueOrder(t *testing.T) {
	a := genProperties()
	a.Dimensions = domain.Dimensions{"os": {"b", "a"}, "pool": {"default"}}
	b := genProperties()
	b.Dimensions = domain.Dimensions{"pool": {"default"}, "os": {"a", "b"}}

	ha, err := taskrequest.PropertiesHash(a, nil)
	require.NoError(t, err)
	hb, err := taskrequest.PropertiesHash(b, nil)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 32)
}

func TestPropertiesHash_SecretAndCommandMatter(t *testing.T) {
	p := genProperties()
	base, err := taskrequest.PropertiesHash(p, nil)
	require.NoError(t, err)

	withSecret, err := taskrequest.PropertiesHash(p, []byte("secret"))
	require.NoError(t, err)
	assert.NotEqual(t, base, withSecret)

	p.Command = []string{"command2"}
	other, err := taskrequest.PropertiesHash(p, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, other)
}
