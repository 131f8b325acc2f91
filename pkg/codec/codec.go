// Package codec encodes checkpoint protocol info as versioned CBOR.
//
// Layout: 4-byte magic "FTPI", one version byte, then the CBOR body. The
// body state itself stays opaque; only ProtocolInfo crosses this package.
package codec

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// Version is the encoding version written by EncodeProtocolInfo.
const Version byte = 1

var magic = []byte("FTPI")

var handle = newHandle()

func newHandle() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}

// EncodeProtocolInfo serializes info with the current version header.
func EncodeProtocolInfo(info model.ProtocolInfo) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(Version)
	if err := codec.NewEncoder(&buf, handle).Encode(info); err != nil {
		return nil, fmt.Errorf("encode protocol info: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeProtocolInfo parses data written by EncodeProtocolInfo.
func DecodeProtocolInfo(data []byte) (model.ProtocolInfo, error) {
	var info model.ProtocolInfo
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return info, fterr.Malformed.New("protocol info: bad header")
	}
	switch v := data[len(magic)]; v {
	case Version:
	default:
		return info, fterr.Malformed.New("protocol info: unsupported version %d", v)
	}
	if err := codec.NewDecoderBytes(data[len(magic)+1:], handle).Decode(&info); err != nil {
		return info, fterr.Malformed.Wrap(err)
	}
	return info, nil
}
