// Package model holds the reference payload stored by guardian: a user
// account with an optional profile, serialized with msgpack.
package model

import "encoding/binary"

// Address is where a user lives.
type Address struct {
	Street  string `codec:"street" faker:"word"`
	City    string `codec:"city" faker:"word"`
	Country string `codec:"country" faker:"word"`
	Postal  string `codec:"postal" faker:"word"`
}

// Profile is optional so older records without it stay decodable.
type Profile struct {
	Age       uint32   `codec:"age"`
	Job       string   `codec:"job" faker:"word"`
	Interests []string `codec:"interests" faker:"slice_len=3"`
}

type User struct {
	ID      uint64   `codec:"id"`
	Name    string   `codec:"name" faker:"name"`
	Email   string   `codec:"email" faker:"email"`
	Address Address  `codec:"address"`
	Profile *Profile `codec:"profile"`
	Created int64    `codec:"created"`
	Updated int64    `codec:"updated"`
}

// Key returns the user's id as 8 little-endian bytes.
func (u *User) Key() []byte {
	return Key(u.ID)
}

func Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, id)
	return key
}

// ID decodes a key produced by Key. ok is false for keys of another width.
func ID(key []byte) (id uint64, ok bool) {
	if len(key) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(key), true
}
