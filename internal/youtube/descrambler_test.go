package youtube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlayerScript = `
var Xr={fH:function(a){a.reverse()},Tz:function(a,b){a.splice(0,b)},yp:function(a,b){var c=a[0];a[0]=a[b%a.length];a[b%a.length]=c}};
xy=function(a){a=a.split("");Xr.yp(a,2);Xr.Tz(a,1);return a.join("")};
bqa=function(a){return a.split("").reverse().join("")+"_n"};
var Wka=[bqa];
var handler=function(d,b){if(d.get("n"))&&(b=Wka[0](b),d.set("n",b))};
`

const reverseOnlyScript = `
var Qr={rv:function(a){a.reverse()}};
zz=function(a){a=a.split("");Qr.rv(a,0);return a.join("")};
`

func TestSigDescrambler_Extraction(t *testing.T) {
	d, err := newSigDescrambler(testPlayerScript)
	require.NoError(t, err)
	require.Len(t, d.ops, 2)
	assert.Equal(t, opSwap, d.ops[0].kind)
	assert.Equal(t, 2, d.ops[0].arg)
	assert.Equal(t, opSplice, d.ops[1].kind)
	assert.Equal(t, 1, d.ops[1].arg)
}

func TestSigDescrambler_Apply(t *testing.T) {
	d, err := newSigDescrambler(testPlayerScript)
	require.NoError(t, err)

	// s=abcdef: swap(2) -> cbadef, splice(1) -> badef
	cipher := "s=abcdef&sp=sig&url=https%3A%2F%2Fmedia.example.com%2Fv%3Fitag%3D18"
	out, err := d.Apply(cipher)
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/v?itag=18&sig=badef", out)
}

func TestSigDescrambler_ApplyDefaultsSignatureParam(t *testing.T) {
	d, err := newSigDescrambler(reverseOnlyScript)
	require.NoError(t, err)

	cipher := "s=abc&url=https%3A%2F%2Fm.example.com%2Fv"
	out, err := d.Apply(cipher)
	require.NoError(t, err)
	assert.Equal(t, "https://m.example.com/v&signature=cba", out)
}

func TestSigDescrambler_MissingFunction(t *testing.T) {
	_, err := newSigDescrambler("var nothing=1;")
	assert.Error(t, err)
}

func TestNDescrambler(t *testing.T) {
	d, err := newNDescrambler(testPlayerScript)
	require.NoError(t, err)
	require.NotNil(t, d)

	out, err := d.Apply("abc")
	require.NoError(t, err)
	assert.Equal(t, "cba_n", out)
}

func TestNDescrambler_AbsentIsNil(t *testing.T) {
	d, err := newNDescrambler(reverseOnlyScript)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestBalancedBraces(t *testing.T) {
	body, ok := balancedBraces(`{a:{b:"}"},c:1} trailing`)
	require.True(t, ok)
	assert.Equal(t, `{a:{b:"}"},c:1}`, body)

	_, ok = balancedBraces(`{never closed`)
	assert.False(t, ok)
}

func TestStreamDataMediaURL(t *testing.T) {
	sig, err := newSigDescrambler(reverseOnlyScript)
	require.NoError(t, err)

	t.Run("direct url passes through", func(t *testing.T) {
		data := &streamData{}
		out, err := data.mediaURL(format{Itag: 18, URL: "https://direct.example.com/v"})
		require.NoError(t, err)
		assert.Equal(t, "https://direct.example.com/v", out)
	})

	t.Run("cipher is descrambled", func(t *testing.T) {
		data := &streamData{descrambler: sig}
		out, err := data.mediaURL(format{
			Itag:            22,
			SignatureCipher: "s=xyz&sp=sig&url=https%3A%2F%2Fm.example.com%2Fv",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://m.example.com/v&sig=zyx", out)
	})

	t.Run("n parameter replaced", func(t *testing.T) {
		n, err := newNDescrambler(testPlayerScript)
		require.NoError(t, err)
		data := &streamData{nDescrambler: n}
		out, err := data.mediaURL(format{Itag: 18, URL: "https://m.example.com/v?n=abc&x=1"})
		require.NoError(t, err)
		assert.Contains(t, out, "n=cba_n")
		assert.Contains(t, out, "x=1")
	})

	t.Run("cipher without descrambler fails", func(t *testing.T) {
		data := &streamData{}
		_, err := data.mediaURL(format{Itag: 22, SignatureCipher: "s=x&url=u"})
		assert.Error(t, err)
	})
}
