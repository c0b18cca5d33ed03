package model

import (
	"guardian/storage"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
)

// Payload layout: [flags:u8][body]. Flag bit 0 marks a snappy compressed body.
const (
	flagSnappy = 1 << 0
	flagMask   = flagSnappy
)

// Codec encodes users as msgpack, optionally snappy compressed. Decoding
// follows the flags of each payload, so both settings can read each other's data.
type Codec struct {
	compress bool
	handle   *codec.MsgpackHandle
}

func NewCodec(compress bool) *Codec {
	return &Codec{
		compress: compress,
		handle:   &codec.MsgpackHandle{},
	}
}

func (c *Codec) Encode(rec storage.Record) ([]byte, error) {
	const op = "model.encode"

	user, ok := rec.(*User)
	if !ok {
		return nil, storage.Errorf(storage.KindSerialize, op, "unsupported record type %T", rec)
	}

	var body []byte
	if err := codec.NewEncoderBytes(&body, c.handle).Encode(user); err != nil {
		return nil, storage.E(storage.KindSerialize, op, err)
	}

	var flags byte
	if c.compress {
		body = snappy.Encode(nil, body)
		flags |= flagSnappy
	}

	payload := make([]byte, 1+len(body))
	payload[0] = flags
	copy(payload[1:], body)

	return payload, nil
}

func (c *Codec) Decode(payload []byte) (storage.Record, error) {
	const op = "model.decode"

	if len(payload) < 2 {
		return nil, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "payload of %d bytes", len(payload)))
	}

	flags, body := payload[0], payload[1:]
	if flags&^flagMask != 0 {
		return nil, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "unknown payload flags %#x", flags))
	}

	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, storage.E(storage.KindSerialize, op, err)
		}
		body = decoded
	}

	user := &User{}
	if err := codec.NewDecoderBytes(body, c.handle).Decode(user); err != nil {
		return nil, storage.E(storage.KindSerialize, op, err)
	}

	return user, nil
}
