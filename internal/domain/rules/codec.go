package rules

import (
	"encoding/json"

	"github.com/go-faster/errors"
)

// ErrUnknownType is returned when decoding a condition of an unknown type.
var ErrUnknownType = errors.New("unknown rule type")

// DecodeCondition decodes the stored parameters of a condition of type t.
func DecodeCondition(t Type, raw []byte) (Condition, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var (
		c   Condition
		err error
	)
	switch t {
	case TypeOrderMinimum:
		c, err = decodeInto[OrderMinimum](raw)
	case TypeServiceQuantity:
		c, err = decodeInto[ServiceQuantity](raw)
	case TypeServiceCombo:
		c, err = decodeInto[ServiceCombo](raw)
	case TypeFirstOrder:
		c = FirstOrder{}
	case TypeRepeatCustomer:
		c, err = decodeInto[RepeatCustomer](raw)
	case TypeReferral:
		c = Referral{}
	case TypeSeasonal:
		c, err = decodeInto[Seasonal](raw)
	case TypeDayOfWeek:
		c, err = decodeInto[DayOfWeek](raw)
	case TypeBulkVolume:
		c, err = decodeInto[BulkVolume](raw)
	default:
		return nil, errors.Wrapf(ErrUnknownType, "decode %q", t)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s conditions", t)
	}
	return c, nil
}

// EncodeCondition serializes condition parameters for storage.
func EncodeCondition(c Condition) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil condition")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s conditions", c.Type())
	}
	return b, nil
}

func decodeInto[T Condition](raw []byte) (Condition, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
