/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 10:31:55 2019 mstenber
 * Last modified: Mon Mar 18 15:09:13 2019 mstenber
 * Edit time:     28 min
 *
 */

package codec

import (
	"bytes"
	"testing"

	"github.com/stvp/assert"
)

func prodCodec(t *testing.T, c Codec) {
	// Compressible and incompressible inputs both must survive
	cases := [][]byte{
		bytes.Repeat([]byte("abcd1234"), 200),
		{0x42},
		[]byte("short and unique :p"),
	}
	ad := []byte("additional")
	for _, data := range cases {
		enc, err := c.EncodeBytes(data, ad)
		assert.Nil(t, err)
		dec, err := c.DecodeBytes(enc, ad)
		assert.Nil(t, err)
		assert.Equal(t, data, dec)
	}
}

func TestCompressingCodec(t *testing.T) {
	t.Parallel()
	prodCodec(t, &CompressingCodec{})
	prodCodec(t, &CompressingCodec{UseSnappy: true})
}

func TestCompressingCodecCompresses(t *testing.T) {
	t.Parallel()
	c := CompressingCodec{}
	data := bytes.Repeat([]byte("z"), 4096)
	enc, err := c.EncodeBytes(data, nil)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(data))
}

func TestEncryptingCodec(t *testing.T) {
	t.Parallel()
	c := EncryptingCodec{}.Init([]byte("password"), []byte("salt"), 100)
	prodCodec(t, c)

	// Wrong additional data must not decode
	enc, err := c.EncodeBytes([]byte("data"), []byte("ad1"))
	assert.Nil(t, err)
	_, err = c.DecodeBytes(enc, []byte("ad2"))
	assert.True(t, err != nil)
}

func TestCodecChain(t *testing.T) {
	t.Parallel()
	ec := EncryptingCodec{}.Init([]byte("assword"), []byte("alt"), 100)
	cc := CodecChain{}.Init(ec, &CompressingCodec{})
	prodCodec(t, cc)
}
