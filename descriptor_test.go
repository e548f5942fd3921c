package peerrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDescriptor_Nested(t *testing.T) {
	exposed := Namespace{
		"a": func() {},
		"b": map[string]any{
			"c": func(int) int { return 0 },
		},
		"version": 3,
	}

	desc, err := BuildDescriptor(ConventionPromise, exposed, nil)
	require.NoError(t, err)

	data, err := json.Marshal(desc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"promise","b":{"c":"promise"}}`, string(data))
	assert.Equal(t, []string{"a", "b.c"}, desc.Paths())
}

func TestBuildDescriptor_Override(t *testing.T) {
	exposed := Namespace{
		"a": func() {},
		"fs": Namespace{
			"read":  func() {},
			"write": func() {},
		},
	}
	override := Descriptor{
		"fs": Branch(Descriptor{"read": Leaf(ConventionNodeCallback)}),
		"zz": Leaf(ConventionNodeCallback),
	}

	desc, err := BuildDescriptor(ConventionPromise, exposed, override)
	require.NoError(t, err)

	assert.Equal(t, Descriptor{
		"a": Leaf(ConventionPromise),
		"fs": Branch(Descriptor{
			"read":  Leaf(ConventionNodeCallback),
			"write": Leaf(ConventionPromise),
		}),
	}, desc)
}

func TestBuildDescriptor_DefaultConvention(t *testing.T) {
	desc, err := BuildDescriptor(ConventionNodeCallback, Namespace{"f": func() {}}, nil)
	require.NoError(t, err)
	assert.Equal(t, Leaf(ConventionNodeCallback), desc["f"])
}

func TestBuildDescriptor_Empty(t *testing.T) {
	desc, err := BuildDescriptor(ConventionPromise, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, desc)

	data, err := json.Marshal(desc)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestNode_UnmarshalJSON(t *testing.T) {
	var d Descriptor
	require.NoError(t, json.Unmarshal([]byte(`{"x":"nodeCallback","ns":{"y":"promise","deep":{}}}`), &d))

	assert.True(t, d["x"].IsLeaf())
	assert.Equal(t, ConventionNodeCallback, d["x"].Convention)
	assert.False(t, d["ns"].IsLeaf())
	assert.False(t, d["ns"].Children["deep"].IsLeaf(), "empty object is an empty namespace")
	assert.Equal(t, []string{"ns.y", "x"}, d.Paths())

	err := json.Unmarshal([]byte(`{"x":"carrierPigeon"}`), &d)
	assert.True(t, IsClass(err, ClassType))
	err = json.Unmarshal([]byte(`{"x":42}`), &d)
	assert.Error(t, err)
}

func TestDescriptorFrom(t *testing.T) {
	d := Descriptor{"f": Leaf(ConventionPromise)}
	got, err := descriptorFrom(d)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	got, err = descriptorFrom(map[string]any{"f": "promise"})
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = descriptorFrom(nil)
	assert.True(t, IsClass(err, ClassType))
	_, err = descriptorFrom("promise")
	assert.Error(t, err)
}
