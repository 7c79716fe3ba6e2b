package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// fieldDecoders maps JSON keys to their decoders. Unknown keys are skipped.
type fieldDecoders map[string]func(d *jx.Decoder) error

// readObject decodes the request body as one JSON object. An empty body
// decodes as {}.
func (h *Handler) readObject(w http.ResponseWriter, r *http.Request, fields fieldDecoders) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return badRequest(errors.Wrap(err, "read body"))
	}
	if len(body) == 0 {
		return nil
	}
	if err := decodeObject(jx.DecodeBytes(body), fields); err != nil {
		return badRequest(err)
	}
	return nil
}

func decodeObject(d *jx.Decoder, fields fieldDecoders) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		f, ok := fields[key]
		if !ok {
			return d.Skip()
		}
		if err := f(d); err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		return nil
	})
}

// null consumes a JSON null and reports whether there was one.
func null(d *jx.Decoder) (bool, error) {
	if d.Next() != jx.Null {
		return false, nil
	}
	return true, d.Null()
}

func str(dst *string) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			return err
		}
		v, err := d.Str()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func strs(dst *[]string) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			return err
		}
		return d.Arr(func(d *jx.Decoder) error {
			v, err := d.Str()
			if err != nil {
				return err
			}
			*dst = append(*dst, v)
			return nil
		})
	}
}

func boolean(dst *bool) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			return err
		}
		v, err := d.Bool()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func integer(dst *int) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			return err
		}
		v, err := d.Int()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func optInteger(dst **int) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			*dst = nil
			return err
		}
		v, err := d.Int()
		if err != nil {
			return err
		}
		*dst = &v
		return nil
	}
}

func integer64(dst *int64) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		v, err := d.Int64()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// readDecimal accepts a JSON number or a numeric string.
func readDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = string(n)
	default:
		return decimal.Zero, errors.Errorf("expected number, got %s", d.Next())
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse decimal")
	}
	return v, nil
}

func dec(dst *decimal.Decimal) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			return err
		}
		v, err := readDecimal(d)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func optDec(dst **decimal.Decimal) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			*dst = nil
			return err
		}
		v, err := readDecimal(d)
		if err != nil {
			return err
		}
		*dst = &v
		return nil
	}
}

func timestamp(dst *time.Time) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if isNull, err := null(d); isNull || err != nil {
			return err
		}
		s, err := d.Str()
		if err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*dst = t
		return nil
	}
}

func optTimestamp(dst **time.Time) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		var t time.Time
		if err := timestamp(&t)(d); err != nil {
			return err
		}
		if t.IsZero() {
			*dst = nil
			return nil
		}
		*dst = &t
		return nil
	}
}

func writeDecimal(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}

func decimalField(e *jx.Encoder, name string, v decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { writeDecimal(e, v) })
}

func optDecimalField(e *jx.Encoder, name string, v *decimal.Decimal) {
	if v == nil {
		return
	}
	decimalField(e, name, *v)
}

func strField(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

// optStrField omits empty strings.
func optStrField(e *jx.Encoder, name, v string) {
	if v == "" {
		return
	}
	strField(e, name, v)
}

func boolField(e *jx.Encoder, name string, v bool) {
	e.Field(name, func(e *jx.Encoder) { e.Bool(v) })
}

func intField(e *jx.Encoder, name string, v int64) {
	e.Field(name, func(e *jx.Encoder) { e.Int64(v) })
}

func timeField(e *jx.Encoder, name string, t time.Time) {
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func optTimeField(e *jx.Encoder, name string, t *time.Time) {
	if t == nil {
		return
	}
	timeField(e, name, *t)
}

func strsField(e *jx.Encoder, name string, v []string) {
	e.Field(name, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, s := range v {
				e.Str(s)
			}
		})
	})
}

// writeJSON writes the object produced by encode with status code.
func writeJSON(w http.ResponseWriter, code int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
