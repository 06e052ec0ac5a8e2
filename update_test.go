package ssesignal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type count struct {
	Value int `json:"value"`
}

func TestNewUpdate(t *testing.T) {
	u, err := NewUpdate("counter", count{Value: 1}, count{Value: 2})
	require.NoError(t, err)

	assert.Equal(t, "counter", u.Name)
	assert.JSONEq(t, `[{"op":"replace","path":"/value","value":2}]`, string(u.Patch))
	assert.False(t, u.Empty())

	raw, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"counter","patch":[{"op":"replace","path":"/value","value":2}]}`, string(raw))
}

func TestNewUpdateEmpty(t *testing.T) {
	u, err := NewUpdate("counter", count{Value: 1}, count{Value: 1})
	require.NoError(t, err)

	assert.True(t, u.Empty())
	assert.Equal(t, "[]", string(u.Patch))
}

func TestNewUpdateMarshalError(t *testing.T) {
	_, err := NewUpdate("broken", nil, make(chan int))
	assert.Error(t, err)
}

func TestNewUpdateFromJSONInvalid(t *testing.T) {
	_, err := NewUpdateFromJSON("broken", json.RawMessage(`{}`), json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestUpdateRoundTrip(t *testing.T) {
	tests := []struct {
		msg      string
		old, new string
	}{
		{"field change", `{"value":1}`, `{"value":2}`},
		{"field add", `{"a":1}`, `{"a":1,"b":{"c":[1,2]}}`},
		{"field remove", `{"a":1,"b":2}`, `{"a":1}`},
		{"array grow", `{"list":[1,2]}`, `{"list":[1,2,3,4]}`},
		{"array shrink", `{"list":[1,2,3]}`, `{"list":[3]}`},
		{"from null", `null`, `{"value":1}`},
		{"to null", `{"value":1}`, `null`},
		{"type change", `[1]`, `"text"`},
		{"nested", `{"a":{"b":{"c":1,"d":[{"e":1}]}}}`, `{"a":{"b":{"c":2,"d":[{"e":2},{"f":3}]}}}`},
	}

	for _, test := range tests {
		t.Run(test.msg, func(t *testing.T) {
			u, err := NewUpdateFromJSON("x", json.RawMessage(test.old), json.RawMessage(test.new))
			require.NoError(t, err)

			doc, err := ApplyPatch(json.RawMessage(test.old), u.Patch)
			require.NoError(t, err)
			assert.JSONEq(t, test.new, string(doc))
		})
	}
}

func TestReplaceUpdate(t *testing.T) {
	u := ReplaceUpdate("x", json.RawMessage(`{"value":3}`))
	assert.JSONEq(t, `[{"op":"replace","path":"","value":{"value":3}}]`, string(u.Patch))

	// replacing works from any state
	for _, doc := range []string{`null`, `{"other":true}`, `[1,2,3]`} {
		out, err := ApplyPatch(json.RawMessage(doc), u.Patch)
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":3}`, string(out))
	}

	u = ReplaceUpdate("x", nil)
	out, err := ApplyPatch(json.RawMessage(`{"a":1}`), u.Patch)
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(out))
}

func TestApplyPatchAfterRootReplace(t *testing.T) {
	// a root replace turns null into a container that later ops can address
	patch := json.RawMessage(`[
		{"op":"replace","path":"","value":{}},
		{"op":"add","path":"/a","value":1}
	]`)
	out, err := ApplyPatch(json.RawMessage(`null`), patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestApplyPatchMixedRoot(t *testing.T) {
	patch := json.RawMessage(`[
		{"op":"add","path":"/a","value":1},
		{"op":"replace","path":"","value":{"b":2}},
		{"op":"add","path":"/c","value":3},
		{"op":"test","path":"","value":{"b":2,"c":3}}
	]`)
	out, err := ApplyPatch(json.RawMessage(`{}`), patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2,"c":3}`, string(out))

	out, err = ApplyPatch(json.RawMessage(`{"a":1}`), json.RawMessage(`[{"op":"remove","path":""}]`))
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(out))
}

func TestApplyPatchErrors(t *testing.T) {
	tests := []struct {
		msg, doc, patch string
	}{
		{"not a patch", `{}`, `{"op":"add"}`},
		{"failed test", `{"a":1}`, `[{"op":"test","path":"/a","value":2}]`},
		{"root test", `{"a":1}`, `[{"op":"test","path":"","value":{"a":2}}]`},
		{"root move", `{"a":1}`, `[{"op":"move","from":"/a","path":""}]`},
		{"add to null", `null`, `[{"op":"add","path":"/a","value":1}]`},
		{"replace in null", `null`, `[{"op":"replace","path":"/value","value":1}]`},
		{"add to number", `5`, `[{"op":"add","path":"/a","value":1}]`},
		{"replace in number", `5`, `[{"op":"replace","path":"/value","value":1}]`},
		{"add to string", `"text"`, `[{"op":"add","path":"/0","value":1}]`},
	}

	for _, test := range tests {
		t.Run(test.msg, func(t *testing.T) {
			_, err := ApplyPatch(json.RawMessage(test.doc), json.RawMessage(test.patch))
			assert.Error(t, err)
		})
	}
}
