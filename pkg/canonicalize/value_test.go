package canonicalize

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAny_Literals(t *testing.T) {
	v, err := FromAny(map[string]any{
		"voter":  "A",
		"weight": 2,
		"tags":   []string{"x", "y"},
		"ok":     true,
		"none":   nil,
	})
	require.NoError(t, err)
	require.Equal(t, KindMap, v.Kind())

	voter, ok := v.Lookup("voter")
	require.True(t, ok)
	assert.Equal(t, "A", voter.StringValue())

	weight, _ := v.Lookup("weight")
	assert.Equal(t, KindNumber, weight.Kind())
	assert.Equal(t, 2.0, weight.NumberValue())

	tags, _ := v.Lookup("tags")
	require.Equal(t, KindList, tags.Kind())
	assert.Len(t, tags.ListValue(), 2)

	none, _ := v.Lookup("none")
	assert.Equal(t, KindNull, none.Kind())
}

func TestFromAny_Struct(t *testing.T) {
	type ballot struct {
		Voter  string `json:"voter"`
		Choice int    `json:"choice"`
		Secret string `json:"-"`
	}
	v, err := FromAny(ballot{Voter: "B", Choice: 3, Secret: "hidden"})
	require.NoError(t, err)

	got, err := v.Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"choice":3,"voter":"B"}`, string(got))
}

func TestFromAny_Rejects(t *testing.T) {
	cases := map[string]any{
		"nan":          math.NaN(),
		"inf":          math.Inf(1),
		"int keys":     map[int]string{1: "a"},
		"channel":      make(chan int),
		"func":         func() {},
		"raw bytes":    []byte("abc"),
		"bad utf8":     string([]byte{0xff, 0xfe}),
		"bad json num": json.Number("1e400"),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromAny(in)
			require.ErrorIs(t, err, ErrUnsupported)
		})
	}
}

func TestFromAny_DepthLimit(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i < MaxDepth+5; i++ {
		nested = []any{nested}
	}
	_, err := FromAny(nested)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestFromAny_Cycle(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	_, err := FromAny(n)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestParse(t *testing.T) {
	v, err := Parse([]byte(`{"b":[1,2.5,"x"],"a":{"z":null,"y":false}}`))
	require.NoError(t, err)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":false,"z":null},"b":[1,2.5,"x"]}`, string(out))

	_, err = Parse([]byte(`{"a":1} {"b":2}`))
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Parse([]byte(`{"a":`))
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Parse([]byte{'"', 0xff, '"'})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestParse_DuplicateMemberNames(t *testing.T) {
	_, err := Parse([]byte(`{"voter":"X","voter":"A"}`))
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Parse([]byte(`{"a":[{"k":1,"k":2}]}`))
	require.ErrorIs(t, err, ErrUnsupported)

	v, err := Parse([]byte(`{"a":{"k":1},"b":{"k":2},"c":[{"k":3},{"k":4}]}`))
	require.NoError(t, err)
	assert.Len(t, v.MapValue(), 3)
}

func TestValue_JSONRoundTripIsCanonical(t *testing.T) {
	in := Map(map[string]Value{
		"text":  String("line\nbreak \"q\""),
		"n":     Number(1e21),
		"list":  List(Bool(true), Null(), Number(-0.5)),
		"inner": Map(map[string]Value{"k": String("v")}),
	})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Value
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, Equal(in, out))

	canonical, err := in.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(canonical), string(data))
}

func TestValue_Interface(t *testing.T) {
	v := Map(map[string]Value{"a": List(Number(1), String("b"))})
	assert.Equal(t, map[string]any{"a": []any{1.0, "b"}}, v.Interface())
	assert.Nil(t, Null().Interface())
}

func TestEqual(t *testing.T) {
	a := Map(map[string]Value{"x": Number(1)})
	b := Map(map[string]Value{"x": Number(1)})
	c := Map(map[string]Value{"x": String("1")})
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(List(Number(1)), List(Number(1), Number(2))))
	assert.True(t, Equal(Value{}, Null()))
}
