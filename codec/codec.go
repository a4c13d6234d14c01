/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 09:12:30 2019 mstenber
 * Last modified: Mon Mar 18 15:05:42 2019 mstenber
 * Edit time:     93 min
 *
 */

// codec transforms chunk payloads on their way to and from the
// device: compression and/or authenticated encryption, chosen
// per-chunk by the flag nibble. CodecChain combines codecs; codecs
// are given in decode order, so an encrypting one goes before a
// compressing one.
//
// Framing is fixed binary (this module owns its byte layout):
// compression is 1 type byte + 4-byte LE decoded length + payload,
// encryption is nonce + ciphertext.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"

	"github.com/golang/snappy"
	"github.com/minio/sha256-simd"
	"github.com/pierrec/lz4"
	"golang.org/x/crypto/pbkdf2"
)

var ErrShortFrame = errors.New("encoded data shorter than its framing")
var ErrUnknownCompression = errors.New("unknown compression type byte")

// Codec is a single transformation of byte slices. additionalData is
// authenticated but not stored (chunk address, typically).
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

const (
	compressionPlain byte = iota
	compressionLZ4
	compressionSnappy
)

const compressedFrameSize = 5

// CompressingCodec compresses with lz4 by default, snappy if so
// configured. If compression does not pay, the payload is stored
// plain at the cost of the frame bytes.
type CompressingCodec struct {
	// UseSnappy selects snappy over lz4 for encoding; decode
	// always handles both.
	UseSnappy bool
}

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < compressedFrameSize {
		return nil, ErrShortFrame
	}
	rawLen := binary.LittleEndian.Uint32(data[1:5])
	raw := data[compressedFrameSize:]
	switch data[0] {
	case compressionPlain:
		ret = raw
	case compressionLZ4:
		ret = make([]byte, rawLen)
		var n int
		n, err = lz4.UncompressBlock(raw, ret, 0)
		if err != nil {
			return nil, err
		}
		ret = ret[:n]
	case compressionSnappy:
		ret, err = snappy.Decode(make([]byte, rawLen), raw)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownCompression
	}
	return
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ct := compressionPlain
	var rd []byte
	if self.UseSnappy {
		rd = snappy.Encode(nil, data)
		if len(rd) < len(data) {
			ct = compressionSnappy
		}
	} else {
		rd = make([]byte, len(data))
		var n int
		n, err = lz4.CompressBlock(data, rd, 0)
		if err != nil {
			return
		}
		if n > 0 && n < len(data) {
			ct = compressionLZ4
			rd = rd[:n]
		}
	}
	if ct == compressionPlain {
		rd = data
	}
	ret = make([]byte, compressedFrameSize+len(rd))
	ret[0] = ct
	binary.LittleEndian.PutUint32(ret[1:5], uint32(len(data)))
	copy(ret[compressedFrameSize:], rd)
	return
}

// EncryptingCodec is AES GCM based encrypting (+authenticating)
// Codec; the key is derived from password and salt with pbkdf2.
type EncryptingCodec struct {
	gcm cipher.AEAD
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	mk := pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(mk)
	if err != nil {
		log.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Fatal(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ns := self.gcm.NonceSize()
	if len(data) < ns {
		return nil, ErrShortFrame
	}
	return self.gcm.Open(nil, data[:ns], data[ns:], additionalData)
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	return self.gcm.Seal(nonce, nonce, data, additionalData), nil
}

// CodecChain combines codecs; stored in decode order.
type CodecChain struct {
	codecs, reverseCodecs []Codec
}

func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(ret, additionalData)
		if err != nil {
			return
		}
	}
	return
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(ret, additionalData)
		if err != nil {
			return
		}
	}
	return
}
