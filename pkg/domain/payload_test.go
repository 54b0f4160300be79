package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadDigestStable(t *testing.T) {
	a := Payload{"query": "hello", "top_k": 5.0}
	b := Payload{"top_k": 5.0, "query": "hello"}

	da, na := a.Digest()
	db, nb := b.Digest()
	assert.Equal(t, da, db, "digest must not depend on map iteration order")
	assert.Equal(t, na, nb)
	assert.Len(t, da, 12)
}

func TestPayloadDigestDiffers(t *testing.T) {
	a := Payload{"query": "hello"}
	b := Payload{"query": "world"}

	da, _ := a.Digest()
	db, _ := b.Digest()
	assert.NotEqual(t, da, db)
}

func TestPayloadClone(t *testing.T) {
	p := Payload{"query": "hello"}
	c := p.Clone()
	c["query"] = "changed"

	assert.Equal(t, "hello", p.String("query"))
	assert.Nil(t, Payload(nil).Clone())
}

func TestShapeAcceptsFrom(t *testing.T) {
	producer := Shape{"query": FieldString, "contexts": FieldList, "extra": FieldNumber}

	require.NoError(t, Shape{"query": FieldString}.AcceptsFrom(producer))
	require.NoError(t, Shape{"query": FieldAny}.AcceptsFrom(producer))
	require.NoError(t, Shape{}.AcceptsFrom(producer))

	err := Shape{"missing": FieldString}.AcceptsFrom(producer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	err = Shape{"query": FieldNumber}.AcceptsFrom(producer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query")
}
