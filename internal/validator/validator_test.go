package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytehot/engine/internal/vm"
)

func baseMeta() ClassMetadata {
	return ClassMetadata{
		FQN:        "com.ex.A",
		SuperClass: "java.lang.Object",
		Interfaces: []string{"java.io.Serializable"},
		Fields:     []Field{{Name: "count", Type: "int"}},
		Methods:    []Method{{Name: "doWork", Descriptor: "()V", AccessFlags: 0x1}},
	}
}

func TestValidate_FirstSightingIsAlwaysValid(t *testing.T) {
	v := New(nil)
	ok, rejected := v.Validate(ClassMetadata{}, baseMeta())
	assert.True(t, ok)
	assert.Empty(t, rejected)
}

func TestValidate_MethodBodyOnlyChangeIsValid(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta() // structurally identical; only a hypothetical body differs, irrelevant here
	ok, rejected := v.Validate(old, new)
	assert.True(t, ok)
	assert.Empty(t, rejected)
}

func TestValidate_FieldAdditionRejected(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta()
	new.Fields = append(new.Fields, Field{Name: "x", Type: "int"})

	ok, rejected := v.Validate(old, new)
	require.False(t, ok)
	require.Len(t, rejected, 1)
	assert.Equal(t, "added", rejected[0].Kind)
	assert.Equal(t, "field x:int", rejected[0].Member)
}

func TestValidate_FieldRemovalRejected(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta()
	new.Fields = nil

	ok, rejected := v.Validate(old, new)
	require.False(t, ok)
	require.Len(t, rejected, 1)
	assert.Equal(t, "removed", rejected[0].Kind)
}

func TestValidate_FieldTypeChangeRejected(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta()
	new.Fields = []Field{{Name: "count", Type: "long"}}

	ok, rejected := v.Validate(old, new)
	require.False(t, ok)
	require.Len(t, rejected, 1)
	assert.Equal(t, "typechanged", rejected[0].Kind)
}

func TestValidate_SuperClassChangeRejected(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta()
	new.SuperClass = "com.ex.Base"

	ok, rejected := v.Validate(old, new)
	require.False(t, ok)
	assert.Equal(t, "hierarchy", rejected[0].Kind)
}

func TestValidate_InterfaceChangeRejected(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta()
	new.Interfaces = nil

	ok, rejected := v.Validate(old, new)
	require.False(t, ok)
	assert.Equal(t, "removed", rejected[0].Kind)
	assert.Contains(t, rejected[0].Member, "interface")
}

func TestValidate_MethodAdditionOrRemovalRejected(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta()
	new.Methods = append(new.Methods, Method{Name: "extra", Descriptor: "()V"})

	ok, rejected := v.Validate(old, new)
	require.False(t, ok)
	assert.Equal(t, "added", rejected[0].Kind)
}

func TestValidate_AccessFlagChangeRejectedByDefault(t *testing.T) {
	v := New(nil)
	old := baseMeta()
	new := baseMeta()
	new.Methods = []Method{{Name: "doWork", Descriptor: "()V", AccessFlags: 0x2}}

	ok, rejected := v.Validate(old, new)
	require.False(t, ok)
	assert.Equal(t, "access_change", rejected[0].Kind)
}

func TestValidate_AccessFlagChangeAllowedWhenCapabilitySupportsIt(t *testing.T) {
	// FakeCapability.SupportsAccessFlagChange only allows identical flags, so
	// this wraps it in a capability that declares broader support.
	v := New(permissiveCapability{vm.NewFakeCapability()})
	old := baseMeta()
	new := baseMeta()
	new.Methods = []Method{{Name: "doWork", Descriptor: "()V", AccessFlags: 0x2}}

	ok, rejected := v.Validate(old, new)
	assert.True(t, ok)
	assert.Empty(t, rejected)
}

type permissiveCapability struct{ *vm.FakeCapability }

func (permissiveCapability) SupportsAccessFlagChange(fqn, method string, oldFlags, newFlags uint16) bool {
	return true
}

func TestExtractMetadata_MalformedImage(t *testing.T) {
	_, err := ExtractMetadata([]byte("not json"))
	assert.Error(t, err)
}

func TestExtractMetadata_RoundTrip(t *testing.T) {
	raw := []byte(`{"metadata":{"FQN":"com.ex.A","SuperClass":"java.lang.Object","Interfaces":["java.io.Serializable"],"Fields":[{"name":"count","type":"int"}],"Methods":[{"name":"doWork","descriptor":"()V","access_flags":1}]},"body":"AQID"}`)
	img, err := ExtractMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, "com.ex.A", img.Metadata.FQN)
	assert.Equal(t, []string{"count:int"}, img.Metadata.AsMetadataFields())
	assert.Equal(t, []string{"doWork()V"}, img.Metadata.AsMetadataMethods())
}
