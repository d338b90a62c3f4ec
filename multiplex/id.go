package multiplex

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// comparable
// ids are generated as ulids so ids from the same source are ordered by
// create time, and rendered in canonical UUID form on the wire.
type Id uuid.UUID

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	u, err := uuid.FromBytes(idBytes)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func ParseId(idStr string) (Id, error) {
	u, err := uuid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func RequireParseId(idStr string) Id {
	return Id(uuid.MustParse(idStr))
}

func (self Id) IsZero() bool {
	return uuid.UUID(self) == uuid.Nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return uuid.UUID(self).String()
}

// json renders ids as quoted canonical UUID strings via the text codec

func (self Id) MarshalText() ([]byte, error) {
	return uuid.UUID(self).MarshalText()
}

func (self *Id) UnmarshalText(src []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(src); err != nil {
		return err
	}
	*self = Id(u)
	return nil
}

// use this type when counting bytes
type ByteCount = int64
